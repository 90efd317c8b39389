// Package tracker implements the announce side of the HTTP and UDP tracker
// protocols and a bulk reachability checker built on top of them.
package tracker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/vaguilera/btprobe/torrent"
)

// DefaultNumWant is the number of peers asked for when the caller does not say.
const DefaultNumWant = 50

// DefaultPort is announced when the request leaves Port unset.
const DefaultPort = 6881

var ErrUnsupportedScheme = errors.New("unsupported tracker scheme")

type Event int32

// Values match the UDP tracker protocol encoding.
const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

var eventNames = [...]string{"none", "completed", "started", "stopped"}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int32(e))
	}
	return eventNames[e]
}

// queryValue is the HTTP form; "none" is sent as an absent parameter.
func (e Event) queryValue() string {
	if e == EventNone {
		return ""
	}
	return e.String()
}

func ParseEvent(s string) (Event, error) {
	if s == "" {
		return EventNone, nil
	}
	for i, name := range eventNames {
		if name == s {
			return Event(i), nil
		}
	}
	return EventNone, fmt.Errorf("unknown announce event %q", s)
}

type AnnounceRequest struct {
	InfoHash   torrent.InfoHash
	PeerID     torrent.PeerID
	Event      Event
	Uploaded   int64
	Downloaded int64
	Left       int64
	Port       uint16 // 0 announces DefaultPort
	IP         net.IP // nil lets the tracker use the sender address
	NumWant    int32  // 0 asks for DefaultNumWant, -1 for the tracker default
	Key        uint32 // 0 draws a fresh random key on every announce
}

// NewAnnounceRequest fills in the usual defaults: DefaultPort and DefaultNumWant.
func NewAnnounceRequest(infoHash torrent.InfoHash, peerID torrent.PeerID, event Event) AnnounceRequest {
	return AnnounceRequest{
		InfoHash: infoHash,
		PeerID:   peerID,
		Event:    event,
		Port:     DefaultPort,
		NumWant:  DefaultNumWant,
	}
}

func (r AnnounceRequest) port() uint16 {
	if r.Port == 0 {
		return DefaultPort
	}
	return r.Port
}

func (r AnnounceRequest) numWant() int32 {
	if r.NumWant == 0 {
		return DefaultNumWant
	}
	return r.NumWant
}

// key returns the request key, drawing a new one per call when unset.
func (r AnnounceRequest) key() uint32 {
	if r.Key != 0 {
		return r.Key
	}
	return randUint32()
}

// AnnounceResult is the normalized answer of either tracker flavour.
type AnnounceResult struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int
	Seeders     int
	Peers       []torrent.PeerAddr
	TrackerID   string
	Warning     string
}

// Tracker is implemented by *HTTPTracker and *UDPTracker only.
type Tracker interface {
	URL() string
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResult, error)
}

// Config tunes both tracker flavours. Zero fields take their DefaultConfig
// value, so Config{} is usable as is. A negative MaxRedirects follows none.
type Config struct {
	HTTPTimeout          time.Duration
	UDPTimeout           time.Duration
	UserAgent            string
	MaxRedirects         int
	MaxResponseSize      int64
	Compact              bool // send compact=1 on HTTP announces
	Retries              int
	RetryInitialInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		HTTPTimeout:          5 * time.Second,
		UDPTimeout:           10 * time.Second,
		UserAgent:            "qBittorrent/4.5.2",
		MaxRedirects:         10,
		MaxResponseSize:      1 << 20,
		RetryInitialInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = def.HTTPTimeout
	}
	if c.UDPTimeout <= 0 {
		c.UDPTimeout = def.UDPTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = def.MaxRedirects
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = def.MaxResponseSize
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = def.RetryInitialInterval
	}
	return c
}

// New parses rawURL once and returns the tracker variant for its scheme.
func New(rawURL string, cfg Config, log *zap.Logger) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing tracker URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return newHTTPTracker(rawURL, u, cfg, log), nil
	case "udp":
		t, err := newUDPTracker(rawURL, u, cfg, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Announce is a one-shot announce to rawURL.
func Announce(ctx context.Context, rawURL string, req AnnounceRequest, cfg Config) (*AnnounceResult, error) {
	t, err := New(rawURL, cfg, nil)
	if err != nil {
		return nil, err
	}
	return t.Announce(ctx, req)
}

// AnnounceTorrent announces d's info-hash and records the returned peers in d.
func AnnounceTorrent(ctx context.Context, t Tracker, d *torrent.Descriptor, req AnnounceRequest) (*AnnounceResult, error) {
	req.InfoHash = d.InfoHash()
	res, err := t.Announce(ctx, req)
	if err != nil {
		return nil, err
	}
	d.AddPeers(res.Peers...)
	return res, nil
}

const (
	compactPeerLen  = 6
	compactPeer6Len = 18
)

// parseCompactPeers reads 4-byte IPv4 + 2-byte port records. A trailing
// partial record is dropped.
func parseCompactPeers(data []byte) []torrent.PeerAddr {
	peers := make([]torrent.PeerAddr, 0, len(data)/compactPeerLen)
	for i := 0; i+compactPeerLen <= len(data); i += compactPeerLen {
		ip := netip.AddrFrom4([4]byte(data[i : i+4]))
		peers = append(peers, torrent.PeerAddr{
			IP:   ip.String(),
			Port: binary.BigEndian.Uint16(data[i+4 : i+6]),
		})
	}
	return peers
}

func parseCompactPeers6(data []byte) []torrent.PeerAddr {
	peers := make([]torrent.PeerAddr, 0, len(data)/compactPeer6Len)
	for i := 0; i+compactPeer6Len <= len(data); i += compactPeer6Len {
		ip := netip.AddrFrom16([16]byte(data[i : i+16])).Unmap()
		peers = append(peers, torrent.PeerAddr{
			IP:   ip.String(),
			Port: binary.BigEndian.Uint16(data[i+16 : i+18]),
		})
	}
	return peers
}

func marshalPacket(p interface{}) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, p); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:])
}

func orGlobal(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.L()
	}
	return log
}
