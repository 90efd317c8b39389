package torrentp2p

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/vaguilera/btprobe/apperrors"
	"github.com/vaguilera/btprobe/torrent"
)

const testInfoHash = "8a19577fb5f690970ca43a57ff1011ae202244b8"

type connStub struct {
	net.Conn
	buff []byte
}

func (c *connStub) Write(b []byte) (n int, err error) {
	c.buff = append(c.buff, b...)
	return len(b), nil
}

func (c *connStub) SetWriteDeadline(time.Time) error { return nil }

func testConfig() Config {
	return Config{
		DialTimeout:      2 * time.Second,
		ReadTimeout:      2 * time.Second,
		DrainTimeout:     200 * time.Millisecond,
		MaxMessageLength: 1 << 16,
	}
}

func testDescriptor(t *testing.T) *torrent.Descriptor {
	t.Helper()
	d, err := torrent.NewDescriptor(testInfoHash)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func testHashBytes(t *testing.T) [20]byte {
	t.Helper()
	b, err := torrent.InfoHash(testInfoHash).Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// startPeer runs script against the first connection accepted on a loopback
// listener and returns the listener's address.
func startPeer(t *testing.T, script func(conn net.Conn)) torrent.PeerAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
	})
	return torrent.PeerAddr{IP: "127.0.0.1", Port: uint16(ln.Addr().(*net.TCPAddr).Port)}
}

// acceptHandshake reads the client handshake and answers with remoteID.
func acceptHandshake(t *testing.T, conn net.Conn, infoHash [20]byte, remoteID string) bool {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Errorf("reading client handshake: %s", err)
		return false
	}
	var id [20]byte
	copy(id[:], remoteID)
	_, err := conn.Write(newHandshake(infoHash, id).marshal())
	return err == nil
}

func frame(id MessageID, payload ...byte) []byte {
	buf := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)+1))
	buf[4] = byte(id)
	return append(buf, payload...)
}

func connectedPeer(t *testing.T, cfg Config, script func(conn net.Conn)) (*Peer, *torrent.Descriptor) {
	t.Helper()
	hash := testHashBytes(t)
	addr := startPeer(t, func(conn net.Conn) {
		if acceptHandshake(t, conn, hash, "-XX0001-remotepeerid") {
			script(conn)
		}
	})
	d := testDescriptor(t)
	p := NewPeer(addr, d, torrent.DefaultPeerID, cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { p.Close() })
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	return p, d
}

func Test_unmarshalHandshake(t *testing.T) {

	data := []byte{10}

	reserved := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	infoHash := [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0, 0, 0, 0, 0, 0, 0, 0}
	data = append(data, "BitTorrent protocol"...)
	data = append(data, reserved[:]...)
	data = append(data, infoHash[:]...)
	data = append(data, "PeerIDPeerIDPeerIDPe"...)

	hands := unmarshalHandshake(data)

	if hands.pstrLength != 10 {
		t.Errorf("Expected 10, got %d", hands.pstrLength)
	}
	if string(hands.protocol[:]) != "BitTorrent protocol" {
		t.Errorf("Expected 'BitTorrent protocol', got %s", hands.protocol)
	}
	if hands.reserved != reserved {
		t.Errorf("Expected %v, got %v", reserved, hands.reserved)
	}
	if hands.infoHash != infoHash {
		t.Errorf("Expected %v, got %v", infoHash, hands.infoHash)
	}
	if string(hands.peerID[:]) != "PeerIDPeerIDPeerIDPe" {
		t.Errorf("Expected 'PeerIDPeerIDPeerIDPe', got %s", hands.peerID)
	}
}

func Test_handshakeMarshal(t *testing.T) {
	var id [20]byte
	copy(id[:], "-BP0001-abcdefabcdef")
	hash := testHashBytes(t)

	buf := newHandshake(hash, id).marshal()
	if len(buf) != handshakeLen {
		t.Fatalf("Expected %d bytes, got %d", handshakeLen, len(buf))
	}
	if buf[0] != 19 || string(buf[1:20]) != protocolName {
		t.Errorf("Unexpected header %q", buf[:20])
	}
	if !bytes.Equal(buf[20:28], make([]byte, 8)) {
		t.Errorf("Reserved bytes not zero: %v", buf[20:28])
	}
	if !bytes.Equal(buf[28:48], hash[:]) || !bytes.Equal(buf[48:], id[:]) {
		t.Errorf("Unexpected info-hash or peer id: %x", buf[28:])
	}
}

func Test_Send(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []byte
	}{
		{"keep-alive", Message{KeepAlive: true}, []byte{0, 0, 0, 0}},
		{"interested", Message{ID: MsgInterested}, []byte{0, 0, 0, 1, 2}},
		{"have", Message{ID: MsgHave, Index: 444}, []byte{0, 0, 0, 5, 4, 0, 0, 1, 188}},
		{"bitfield", Message{ID: MsgBitfield, Payload: []byte{0xF0, 0x01}}, []byte{0, 0, 0, 3, 5, 0xF0, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := NewPeer(torrent.PeerAddr{}, testDescriptor(t), torrent.DefaultPeerID, testConfig(), zaptest.NewLogger(t))
			cs := &connStub{}
			peer.conn = cs
			peer.state = Connected

			if err := peer.Send(tt.msg); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(cs.buff, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, cs.buff)
			}
		})
	}
}

func TestSendRequiresConnection(t *testing.T) {
	peer := NewPeer(torrent.PeerAddr{}, testDescriptor(t), torrent.DefaultPeerID, testConfig(), nil)
	err := peer.Send(Message{ID: MsgChoke})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if _, err := peer.ReceiveOne(); !errors.Is(err, apperrors.ErrSocketClosed) {
		t.Errorf("Expected SocketClosed, got %v", err)
	}
}

func TestConnect(t *testing.T) {
	sentCh := make(chan []byte, 1)
	hash := testHashBytes(t)
	addr := startPeer(t, func(conn net.Conn) {
		sent := make([]byte, handshakeLen)
		if _, err := io.ReadFull(conn, sent); err != nil {
			t.Errorf("reading handshake: %s", err)
			return
		}
		sentCh <- sent
		var id [20]byte
		copy(id[:], "-XX0001-remotepeerid")
		// dribble the answer out to exercise short reads
		for _, b := range newHandshake(hash, id).marshal() {
			conn.Write([]byte{b})
		}
		io.Copy(io.Discard, conn)
	})

	p := NewPeer(addr, testDescriptor(t), torrent.DefaultPeerID, testConfig(), zaptest.NewLogger(t))
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if p.State() != Connected {
		t.Errorf("Expected connected, got %s", p.State())
	}
	if p.RemoteID() != "-XX0001-remotepeerid" {
		t.Errorf("Unexpected remote id %q", p.RemoteID())
	}
	// second call must not dial again; the listener only accepts once
	if err := p.Connect(context.Background()); err != nil {
		t.Errorf("Connect while connected: %s", err)
	}

	p.Close()
	if p.State() != Closed || p.RemoteID() != "" {
		t.Errorf("Close left state %s, remote id %q", p.State(), p.RemoteID())
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %s", err)
	}

	sent := <-sentCh
	wireID := torrent.DefaultPeerID.Wire()
	if !bytes.Equal(sent[28:48], hash[:]) || !bytes.Equal(sent[48:], wireID[:]) {
		t.Errorf("Unexpected handshake sent: %x", sent)
	}
}

func TestConnectFailures(t *testing.T) {
	hash := testHashBytes(t)
	var remote [20]byte
	copy(remote[:], "-XX0001-remotepeerid")
	valid := newHandshake(hash, remote).marshal()

	mutate := func(pos int) []byte {
		b := append([]byte(nil), valid...)
		b[pos] ^= 0xFF
		return b
	}

	tests := []struct {
		name  string
		reply []byte
		hang  bool // keep the connection open after replying
		want  *apperrors.Error
	}{
		{"protocol length", mutate(0), false, apperrors.ErrInvalidResponse},
		{"protocol name", mutate(7), false, apperrors.ErrInvalidResponse},
		{"info-hash", mutate(40), false, apperrors.ErrInvalidResponse},
		{"short then closed", valid[:30], false, apperrors.ErrSocketClosed},
		{"short then silent", valid[:30], true, apperrors.ErrInvalidResponse},
		{"silent", nil, true, apperrors.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := startPeer(t, func(conn net.Conn) {
				io.ReadFull(conn, make([]byte, handshakeLen))
				conn.Write(tt.reply)
				if tt.hang {
					io.Copy(io.Discard, conn)
				}
			})

			cfg := testConfig()
			cfg.ReadTimeout = 200 * time.Millisecond
			p := NewPeer(addr, testDescriptor(t), torrent.DefaultPeerID, cfg, zaptest.NewLogger(t))
			err := p.Connect(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %s, got %v", tt.want.Kind, err)
			}
			if p.State() != Closed {
				t.Errorf("Expected closed after failure, got %s", p.State())
			}
		})
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewPeer(torrent.PeerAddr{IP: "127.0.0.1", Port: uint16(port)}, testDescriptor(t), torrent.DefaultPeerID, testConfig(), nil)
	err = p.Connect(context.Background())
	if !errors.Is(err, apperrors.ErrConnectionFailed) {
		t.Errorf("Expected connection failed, got %v", err)
	}
}

func TestReceiveOne(t *testing.T) {
	p, d := connectedPeer(t, testConfig(), func(conn net.Conn) {
		conn.Write([]byte{0, 0, 0, 0})
		conn.Write(frame(MsgBitfield, 0x80, 0x00))
		conn.Write(frame(MsgHave, 0, 0, 0, 9))
		conn.Write(frame(MsgPiece, 0, 0, 0, 1, 0, 0, 0, 0, 'd', 'a', 't', 'a'))
		conn.Write(frame(MsgExtended, 0, 'd', 'e'))
		conn.Write(frame(MsgUnchoke))
		io.Copy(io.Discard, conn)
	})

	want := []Message{
		{KeepAlive: true},
		{ID: MsgBitfield, Payload: []byte{0x80, 0x00}},
		{ID: MsgHave, Index: 9},
		{ID: MsgPiece},
		{ID: MsgExtended},
		{ID: MsgUnchoke},
	}
	for i, w := range want {
		msg, err := p.ReceiveOne()
		if err != nil {
			t.Fatalf("message %d: %s", i, err)
		}
		if msg.KeepAlive != w.KeepAlive || msg.ID != w.ID || msg.Index != w.Index || !bytes.Equal(msg.Payload, w.Payload) {
			t.Errorf("message %d: expected %s, got %s", i, w, msg)
		}
	}

	if got := p.Bitfield(); !bytes.Equal(got, []byte{0x80, 0x40}) {
		t.Errorf("Expected peer bitfield [80 40], got %x", got)
	}
	if got := d.Availability(); !bytes.Equal(got, []byte{0x80, 0x40}) {
		t.Errorf("Expected availability [80 40], got %x", got)
	}
}

func TestReceiveOneProtocolViolations(t *testing.T) {
	p, _ := connectedPeer(t, testConfig(), func(conn net.Conn) {
		conn.Write(frame(MsgHave, 0, 0, 1))
		conn.Write(frame(MessageID(42), 1, 2, 3))
		conn.Write(frame(MsgBitfield, 0x00))
		conn.Write(frame(MsgHave, 0, 0, 0, 8))
		conn.Write(frame(MsgInterested))
		io.Copy(io.Discard, conn)
	})

	for _, name := range []string{"short have", "unknown id", "", "have past bitfield"} {
		_, err := p.ReceiveOne()
		if name == "" {
			if err != nil {
				t.Fatalf("bitfield: %s", err)
			}
			continue
		}
		if !errors.Is(err, apperrors.ErrInvalidResponse) {
			t.Errorf("%s: expected invalid response, got %v", name, err)
		}
	}

	// every bad frame was consumed, so the stream is still in sync
	msg, err := p.ReceiveOne()
	if err != nil || msg.ID != MsgInterested {
		t.Errorf("Expected interested, got %s, %v", msg, err)
	}
	if p.State() != Connected {
		t.Errorf("Expected still connected, got %s", p.State())
	}
}

func TestHaveBeforeBitfield(t *testing.T) {
	p, d := connectedPeer(t, testConfig(), func(conn net.Conn) {
		conn.Write(frame(MsgHave, 0, 0, 0, 3))
		conn.Write(frame(MsgBitfield, 0x01))
		io.Copy(io.Discard, conn)
	})

	for i := 0; i < 2; i++ {
		if _, err := p.ReceiveOne(); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.Bitfield(); !bytes.Equal(got, []byte{0x01}) {
		t.Errorf("Expected [01], got %x", got)
	}
	if d.HasPiece(3) {
		t.Error("have before bitfield leaked into availability")
	}
}

func TestEmptyBitfield(t *testing.T) {
	p, d := connectedPeer(t, testConfig(), func(conn net.Conn) {
		conn.Write(frame(MsgBitfield))
		conn.Write(frame(MsgHave, 0, 0, 0, 0))
		conn.Write(frame(MsgBitfield, 0x80))
		conn.Write(frame(MsgHave, 0, 0, 0, 1))
		io.Copy(io.Discard, conn)
	})

	for i := 0; i < 4; i++ {
		if _, err := p.ReceiveOne(); err != nil {
			t.Fatalf("message %d: %s", i, err)
		}
	}
	if got := p.Bitfield(); !bytes.Equal(got, []byte{0xC0}) {
		t.Errorf("Expected [c0], got %x", got)
	}
	if got := d.Availability(); !bytes.Equal(got, []byte{0xC0}) {
		t.Errorf("Expected availability c0, got %x", got)
	}
}

func TestBitfieldSizedByPieceCount(t *testing.T) {
	p, d := connectedPeer(t, testConfig(), func(conn net.Conn) {
		conn.Write(frame(MsgBitfield, 0x00, 0x00, 0x00))
		conn.Write(frame(MsgBitfield))
		conn.Write(frame(MsgHave, 0, 0, 0, 9))
		conn.Write(frame(MsgHave, 0, 0, 0, 10))
		conn.Write(frame(MsgBitfield, 0xFF, 0xFF))
		conn.Write(frame(MsgInterested))
		io.Copy(io.Discard, conn)
	})
	d.SetPieceCount(10)

	if _, err := p.ReceiveOne(); !errors.Is(err, apperrors.ErrInvalidResponse) {
		t.Errorf("long bitfield: expected invalid response, got %v", err)
	}
	if _, err := p.ReceiveOne(); err != nil {
		t.Fatalf("empty bitfield: %s", err)
	}
	if got := p.Bitfield(); !bytes.Equal(got, []byte{0x00, 0x00}) {
		t.Errorf("Expected a zeroed 2 byte bitfield, got %x", got)
	}
	if _, err := p.ReceiveOne(); err != nil {
		t.Fatalf("have 9: %s", err)
	}
	if _, err := p.ReceiveOne(); !errors.Is(err, apperrors.ErrInvalidResponse) {
		t.Errorf("have 10: expected invalid response, got %v", err)
	}
	if _, err := p.ReceiveOne(); err != nil {
		t.Fatalf("full bitfield: %s", err)
	}
	if got := d.Availability(); !bytes.Equal(got, []byte{0xFF, 0xC0}) {
		t.Errorf("Expected availability ffc0, got %x", got)
	}

	msg, err := p.ReceiveOne()
	if err != nil || msg.ID != MsgInterested {
		t.Errorf("Expected interested, got %s, %v", msg, err)
	}
}

func TestReceiveOneClosed(t *testing.T) {
	tests := []struct {
		name  string
		send  []byte
		cause error
	}{
		{"at frame boundary", nil, io.EOF},
		{"inside prefix", []byte{0, 0}, io.ErrUnexpectedEOF},
		{"inside payload", []byte{0, 0, 0, 10, 5, 1, 2}, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := connectedPeer(t, testConfig(), func(conn net.Conn) {
				conn.Write(tt.send)
			})

			_, err := p.ReceiveOne()
			if !errors.Is(err, apperrors.ErrSocketClosed) || !errors.Is(err, tt.cause) {
				t.Errorf("Expected socket closed with %v, got %v", tt.cause, err)
			}
			if p.State() != Closed {
				t.Errorf("Expected closed, got %s", p.State())
			}
		})
	}
}

func TestReceiveOneTimeouts(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 200 * time.Millisecond

	t.Run("idle", func(t *testing.T) {
		p, _ := connectedPeer(t, cfg, func(conn net.Conn) {
			io.Copy(io.Discard, conn)
		})
		_, err := p.ReceiveOne()
		if !errors.Is(err, apperrors.ErrTimeout) || !errors.Is(err, ErrNoMessage) {
			t.Errorf("Expected idle timeout, got %v", err)
		}
		if p.State() != Connected {
			t.Errorf("Idle timeout must keep the connection, got %s", p.State())
		}
	})

	t.Run("mid frame", func(t *testing.T) {
		p, _ := connectedPeer(t, cfg, func(conn net.Conn) {
			conn.Write([]byte{0, 0, 0, 9, 5})
			io.Copy(io.Discard, conn)
		})
		_, err := p.ReceiveOne()
		if !errors.Is(err, apperrors.ErrTimeout) || errors.Is(err, ErrNoMessage) {
			t.Errorf("Expected mid-frame timeout, got %v", err)
		}
	})
}

func TestReceiveOneTooLong(t *testing.T) {
	p, _ := connectedPeer(t, testConfig(), func(conn net.Conn) {
		conn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
		io.Copy(io.Discard, conn)
	})
	_, err := p.ReceiveOne()
	if !errors.Is(err, apperrors.ErrInvalidResponse) {
		t.Errorf("Expected invalid response, got %v", err)
	}
}

func TestReadAll(t *testing.T) {
	p, _ := connectedPeer(t, testConfig(), func(conn net.Conn) {
		conn.Write(frame(MsgBitfield, 0xFF))
		conn.Write(frame(MsgHave, 0, 0, 0, 1))
		conn.Write(frame(MsgUnchoke))
		io.Copy(io.Discard, conn)
	})

	start := time.Now()
	msgs, err := p.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %s", err)
	}
	if len(msgs) != 3 {
		t.Errorf("Expected 3 messages, got %d", len(msgs))
	}
	if time.Since(start) > testConfig().ReadTimeout {
		t.Errorf("ReadAll waited for the steady-state timeout")
	}
	if p.wait != testConfig().ReadTimeout {
		t.Errorf("ReadAll did not restore the prefix timeout: %s", p.wait)
	}
}

func TestReadAllReportsFailure(t *testing.T) {
	p, _ := connectedPeer(t, testConfig(), func(conn net.Conn) {
		conn.Write(frame(MsgChoke))
		conn.Write([]byte{0, 0, 0, 5, 4})
	})

	msgs, err := p.ReadAll()
	if len(msgs) != 1 {
		t.Errorf("Expected the message before the failure, got %d", len(msgs))
	}
	if !errors.Is(err, apperrors.ErrSocketClosed) {
		t.Errorf("Expected socket closed, got %v", err)
	}
}
