package torrentp2p

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"go.uber.org/zap/zaptest"

	"github.com/vaguilera/btprobe/apperrors"
	"github.com/vaguilera/btprobe/torrent"
	"github.com/vaguilera/btprobe/tracker"
)

func compactPeer(addr torrent.PeerAddr) string {
	buf := []byte{127, 0, 0, 1, 0, 0}
	binary.BigEndian.PutUint16(buf[4:], addr.Port)
	return string(buf)
}

func startTracker(t *testing.T, peers ...torrent.PeerAddr) string {
	t.Helper()
	var compact string
	for _, p := range peers {
		compact += compactPeer(p)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("info_hash") == "" {
			http.Error(w, "missing info_hash", http.StatusBadRequest)
			return
		}
		bencode.Marshal(w, map[string]interface{}{
			"interval": 1800,
			"peers":    compact,
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/announce"
}

func closedAddr(t *testing.T) torrent.PeerAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return torrent.PeerAddr{IP: "127.0.0.1", Port: uint16(port)}
}

func TestSwarm(t *testing.T) {
	hash := testHashBytes(t)
	seeder := startPeer(t, func(conn net.Conn) {
		if !acceptHandshake(t, conn, hash, "-XX0001-seederpeerid") {
			return
		}
		conn.Write(frame(MsgBitfield, 0xC0))
		conn.Write(frame(MsgHave, 0, 0, 0, 2))
		io.Copy(io.Discard, conn)
	})
	dead := closedAddr(t)

	urls := []string{
		startTracker(t, seeder, dead),
		startTracker(t, dead),
		"wss://tracker.example.org/announce",
	}

	d := testDescriptor(t)
	s := NewSwarm(d, torrent.DefaultPeerID, tracker.DefaultConfig(), testConfig(), zaptest.NewLogger(t))

	req := tracker.NewAnnounceRequest("", "", tracker.EventStarted)
	added, err := s.Discover(context.Background(), urls, req, 2)
	if err != nil {
		t.Fatalf("Discover: %s", err)
	}
	if added != 2 {
		t.Errorf("Expected 2 new peers, got %d", added)
	}
	peers := d.Peers()
	if len(peers) != 2 || peers[0] != seeder || peers[1] != dead {
		t.Fatalf("Unexpected peers %v", peers)
	}

	reports := s.Survey(context.Background(), 2)
	if len(reports) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(reports))
	}

	ok := reports[0]
	if ok.Err != nil {
		t.Errorf("seeder: %s", ok.Err)
	}
	if ok.RemoteID != "-XX0001-seederpeerid" || ok.Messages != 2 {
		t.Errorf("seeder: unexpected report %+v", ok)
	}
	if !bytes.Equal(ok.Bitfield, []byte{0xE0}) {
		t.Errorf("seeder: expected bitfield e0, got %x", ok.Bitfield)
	}

	if !errors.Is(reports[1].Err, apperrors.ErrConnectionFailed) {
		t.Errorf("dead peer: expected connection failed, got %v", reports[1].Err)
	}

	if got := d.Availability(); !bytes.Equal(got, []byte{0xE0}) {
		t.Errorf("Expected availability e0, got %x", got)
	}
}

func TestSwarmDiscoverAllFail(t *testing.T) {
	s := NewSwarm(testDescriptor(t), torrent.DefaultPeerID, tracker.DefaultConfig(), testConfig(), zaptest.NewLogger(t))

	req := tracker.NewAnnounceRequest("", "", tracker.EventNone)
	_, err := s.Discover(context.Background(), []string{"ftp://a/announce", "gopher://b/announce"}, req, 0)
	if !errors.Is(err, tracker.ErrUnsupportedScheme) {
		t.Errorf("Expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestSwarmSurveyCancelled(t *testing.T) {
	d := testDescriptor(t)
	d.AddPeers(closedAddr(t))
	s := NewSwarm(d, torrent.DefaultPeerID, tracker.DefaultConfig(), testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reports := s.Survey(ctx, 4)
	if len(reports) != 1 || !errors.Is(reports[0].Err, context.Canceled) {
		t.Errorf("Expected a cancelled report, got %+v", reports)
	}
}
