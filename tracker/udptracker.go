package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/vaguilera/btprobe/apperrors"
)

const (
	protocolID uint64 = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3

	connectResponseLen  = 16
	announceHeaderLen   = 20
	announcePacketLen   = 98
	maxDatagramLen      = 4096
	errorResponseMinLen = 8
)

type connectionPacket struct {
	connectionID  uint64
	action        uint32
	transactionID uint32
}

type announcePacket struct {
	connection connectionPacket
	infoHash   [20]byte
	peerID     [20]byte
	downloaded uint64
	left       uint64
	uploaded   uint64
	event      uint32
	ip         [4]byte // zero lets the tracker use the packet source
	key        uint32
	numWant    int32
	port       uint16
}

// UDPTracker speaks the BEP 15 connect/announce exchange. Each announce uses
// a fresh socket for both rounds.
type UDPTracker struct {
	rawURL string
	host   string
	cfg    Config
	log    *zap.Logger
	dialer *net.Dialer
}

func NewUDPTracker(rawURL string, cfg Config, log *zap.Logger) (*UDPTracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing tracker URL: %w", err)
	}
	if u.Scheme != "udp" {
		return nil, fmt.Errorf("tracker URL must use udp scheme, found '%s'", u.Scheme)
	}
	return newUDPTracker(rawURL, u, cfg, log)
}

func newUDPTracker(rawURL string, u *url.URL, cfg Config, log *zap.Logger) (*UDPTracker, error) {
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("udp tracker URL needs host and port: %q", rawURL)
	}
	cfg = cfg.withDefaults()
	return &UDPTracker{
		rawURL: rawURL,
		host:   u.Host,
		cfg:    cfg,
		log:    orGlobal(log).With(zap.String("tracker", rawURL)),
		dialer: &net.Dialer{Timeout: cfg.UDPTimeout},
	}, nil
}

func (t *UDPTracker) URL() string { return t.rawURL }

func (t *UDPTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResult, error) {
	infoHash, err := req.InfoHash.Bytes()
	if err != nil {
		return nil, err
	}

	conn, err := t.open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connect(ctx, conn)
	if err != nil {
		return nil, err
	}

	tid := randUint32()
	packet := marshalPacket(announcePacket{
		connection: connectionPacket{
			connectionID:  connID,
			action:        actionAnnounce,
			transactionID: tid,
		},
		infoHash:   infoHash,
		peerID:     req.PeerID.Wire(),
		downloaded: uint64(req.Downloaded),
		left:       uint64(req.Left),
		uploaded:   uint64(req.Uploaded),
		event:      uint32(req.Event),
		ip:         ipv4(req.IP),
		key:        req.key(),
		numWant:    req.numWant(),
		port:       req.port(),
	})

	resp, err := t.roundTrip(ctx, conn, packet, "udp announce")
	if err != nil {
		return nil, err
	}

	res, err := parseAnnounceResponse(resp, tid)
	if err != nil {
		return nil, t.annotate("udp announce", err)
	}
	t.log.Debug("announce ok",
		zap.Int("peers", len(res.Peers)),
		zap.Int("seeders", res.Seeders),
		zap.Int("leechers", res.Leechers),
		zap.Duration("interval", res.Interval))
	return res, nil
}

// Connect performs only the connect round and returns the connection id.
// The availability checker treats a valid answer as proof of life.
func (t *UDPTracker) Connect(ctx context.Context) (uint64, error) {
	conn, err := t.open(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	return t.connect(ctx, conn)
}

func (t *UDPTracker) open(ctx context.Context) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "udp", t.host)
	if err != nil {
		return nil, apperrors.Classify("udp dial", t.host, err)
	}
	return conn, nil
}

func (t *UDPTracker) connect(ctx context.Context, conn net.Conn) (uint64, error) {
	tid := randUint32()
	packet := marshalPacket(connectionPacket{
		connectionID:  protocolID,
		action:        actionConnect,
		transactionID: tid,
	})

	resp, err := t.roundTrip(ctx, conn, packet, "udp connect")
	if err != nil {
		return 0, err
	}

	connID, err := parseConnectResponse(resp, tid)
	if err != nil {
		return 0, t.annotate("udp connect", err)
	}
	t.log.Debug("connected", zap.Uint64("connection_id", connID))
	return connID, nil
}

// roundTrip writes one datagram and waits for one reply, arming a fresh
// deadline before each read.
func (t *UDPTracker) roundTrip(ctx context.Context, conn net.Conn, packet []byte, op string) ([]byte, error) {
	conn.SetWriteDeadline(t.deadline(ctx))
	if _, err := conn.Write(packet); err != nil {
		return nil, apperrors.Classify(op, t.host, err)
	}

	buf := make([]byte, maxDatagramLen)
	conn.SetReadDeadline(t.deadline(ctx))
	n, err := conn.Read(buf)
	if err != nil {
		return nil, apperrors.Classify(op, t.host, err)
	}
	return buf[:n], nil
}

func (t *UDPTracker) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.cfg.UDPTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func (t *UDPTracker) annotate(op string, err error) error {
	if e, ok := err.(*apperrors.Error); ok {
		e.Op, e.Addr = op, t.host
	}
	return err
}

func parseConnectResponse(resp []byte, tid uint32) (uint64, error) {
	if err := checkHeader(resp, tid, actionConnect, connectResponseLen); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

// parseAnnounceResponse decodes the 20-byte header and the 6-byte peer
// records that follow it. A short tail is a datagram truncation, not an error.
func parseAnnounceResponse(resp []byte, tid uint32) (*AnnounceResult, error) {
	if err := checkHeader(resp, tid, actionAnnounce, announceHeaderLen); err != nil {
		return nil, err
	}
	return &AnnounceResult{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(resp[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(resp[16:20])),
		Peers:    parseCompactPeers(resp[announceHeaderLen:]),
	}, nil
}

func checkHeader(resp []byte, tid, action uint32, minLen int) error {
	if len(resp) >= errorResponseMinLen && binary.BigEndian.Uint32(resp[0:4]) == actionError {
		if binary.BigEndian.Uint32(resp[4:8]) != tid {
			return apperrors.Invalid("", "", "error response with transaction id %d, sent %d",
				binary.BigEndian.Uint32(resp[4:8]), tid)
		}
		return apperrors.New(apperrors.TrackerFailure, "", "", fmt.Errorf("%s", resp[8:]))
	}
	if len(resp) < minLen {
		return apperrors.Invalid("", "", "response is %d bytes, expected at least %d", len(resp), minLen)
	}
	if got := binary.BigEndian.Uint32(resp[0:4]); got != action {
		return apperrors.Invalid("", "", "tracker responded with action %d, expected %d", got, action)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != tid {
		return apperrors.Invalid("", "", "transaction id %d does not match sent id %d", got, tid)
	}
	return nil
}

func ipv4(ip net.IP) [4]byte {
	var out [4]byte
	if v4 := ip.To4(); v4 != nil {
		copy(out[:], v4)
	}
	return out
}
