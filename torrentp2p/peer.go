package torrentp2p

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vaguilera/btprobe/apperrors"
	"github.com/vaguilera/btprobe/bitfield"
	"github.com/vaguilera/btprobe/torrent"
)

// Peer owns one connection to one remote peer. It is not safe for
// concurrent use: the prefix and body reads share a single deadline.
type Peer struct {
	Addr torrent.PeerAddr

	torrent *torrent.Descriptor
	selfID  torrent.PeerID
	cfg     Config
	log     *zap.Logger
	dialer  *net.Dialer

	state    State
	conn     net.Conn
	remoteID torrent.PeerID
	bitfield bitfield.Bitfield
	wait     time.Duration // deadline for the next length prefix
}

func NewPeer(addr torrent.PeerAddr, d *torrent.Descriptor, selfID torrent.PeerID, cfg Config, log *zap.Logger) *Peer {
	if log == nil {
		log = zap.L()
	}
	return &Peer{
		Addr:    addr,
		torrent: d,
		selfID:  selfID,
		cfg:     cfg,
		log:     log.With(zap.Stringer("peer", addr)),
		dialer:  &net.Dialer{Timeout: cfg.DialTimeout},
		wait:    cfg.ReadTimeout,
	}
}

func (p *Peer) String() string { return p.Addr.String() }

func (p *Peer) State() State { return p.state }

// RemoteID is the peer id from the handshake, empty unless connected.
func (p *Peer) RemoteID() torrent.PeerID { return p.remoteID }

// Bitfield returns a copy of the peer's pieces, nil until it sent a bitfield.
func (p *Peer) Bitfield() bitfield.Bitfield { return p.bitfield.Clone() }

// Connect dials the peer and exchanges handshakes. It does nothing when
// already connected. On failure the peer is left Closed and Connect may be
// called again.
func (p *Peer) Connect(ctx context.Context) error {
	const op = "handshake"

	if p.state == Connected {
		return nil
	}

	infoHash, err := p.torrent.InfoHash().Bytes()
	if err != nil {
		return err
	}

	p.log.Debug("trying to connect")
	conn, err := p.dialer.DialContext(ctx, "tcp", p.Addr.String())
	if err != nil {
		p.state = Closed
		return apperrors.Classify("dial", p.Addr.String(), err)
	}

	answer, err := exchangeHandshake(conn, newHandshake(infoHash, p.selfID.Wire()), p.cfg.ReadTimeout)
	if err != nil {
		conn.Close()
		p.state = Closed
		return p.annotate(op, err)
	}

	p.conn = conn
	p.remoteID = torrent.PeerID(answer.peerID[:])
	p.bitfield = nil
	p.wait = p.cfg.ReadTimeout
	p.state = Connected
	p.log.Debug("handshake received", zap.ByteString("remote_id", answer.peerID[:]))
	return nil
}

// Close releases the connection and forgets the remote id. It is safe to
// call in any state. The last bitfield stays readable until the next Connect.
func (p *Peer) Close() error {
	var err error
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.conn = nil
	p.remoteID = ""
	p.state = Closed
	return err
}

// ReceiveOne reads and applies exactly one frame. Unknown ids and malformed
// have messages are consumed in full before failing, so the stream stays in
// sync and the caller may keep reading.
func (p *Peer) ReceiveOne() (Message, error) {
	const op = "read message"

	if p.state != Connected {
		return Message{}, apperrors.New(apperrors.SocketClosed, op, p.Addr.String(), ErrNotConnected)
	}

	var prefix [4]byte
	p.conn.SetReadDeadline(time.Now().Add(p.wait))
	if n, err := io.ReadFull(p.conn, prefix[:]); err != nil {
		if n == 0 && apperrors.IsTimeout(err) {
			return Message{}, apperrors.New(apperrors.Timeout, op, p.Addr.String(), ErrNoMessage)
		}
		return Message{}, p.fail(op, err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	if length > p.cfg.MaxMessageLength {
		p.Close()
		return Message{}, apperrors.Invalid(op, p.Addr.String(), "message length %d exceeds %d", length, p.cfg.MaxMessageLength)
	}

	// the frame is announced; give the rest of it the full timeout
	p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))

	var id [1]byte
	if _, err := io.ReadFull(p.conn, id[:]); err != nil {
		return Message{}, p.fail(op, midFrame(err))
	}
	msg := Message{ID: MessageID(id[0])}
	payloadLen := int64(length) - 1

	switch msg.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested,
		MsgRequest, MsgPiece, MsgCancel, MsgPort, MsgExtended:
		if err := p.skip(payloadLen); err != nil {
			return Message{}, p.fail(op, err)
		}

	case MsgHave:
		if payloadLen != 4 {
			if err := p.skip(payloadLen); err != nil {
				return Message{}, p.fail(op, err)
			}
			return Message{}, apperrors.Invalid(op, p.Addr.String(), "have payload is %d bytes, expected 4", payloadLen)
		}
		var index [4]byte
		if _, err := io.ReadFull(p.conn, index[:]); err != nil {
			return Message{}, p.fail(op, midFrame(err))
		}
		msg.Index = binary.BigEndian.Uint32(index[:])
		if err := p.applyHave(msg.Index); err != nil {
			return Message{}, p.annotate(op, err)
		}

	case MsgBitfield:
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(p.conn, payload); err != nil {
			return Message{}, p.fail(op, midFrame(err))
		}
		msg.Payload = payload
		if err := p.applyBitfield(payload); err != nil {
			return Message{}, p.annotate(op, err)
		}

	default:
		if err := p.skip(payloadLen); err != nil {
			return Message{}, p.fail(op, err)
		}
		return Message{}, apperrors.Invalid(op, p.Addr.String(), "unknown message id %d", uint8(msg.ID))
	}

	p.log.Debug("received", zap.Stringer("message", msg))
	return msg, nil
}

// ReadAll drains whatever the peer has already sent. Running out of messages
// is the normal way for it to end.
func (p *Peer) ReadAll() ([]Message, error) {
	p.wait = p.cfg.DrainTimeout
	defer func() { p.wait = p.cfg.ReadTimeout }()

	var msgs []Message
	for {
		msg, err := p.ReceiveOne()
		if err != nil {
			if errors.Is(err, ErrNoMessage) {
				return msgs, nil
			}
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

// Send writes one frame. Index is used for have, Payload for everything else.
func (p *Peer) Send(msg Message) error {
	const op = "send message"

	if p.state != Connected {
		return apperrors.New(apperrors.SocketClosed, op, p.Addr.String(), ErrNotConnected)
	}

	p.conn.SetWriteDeadline(time.Now().Add(p.cfg.ReadTimeout))
	if _, err := p.conn.Write(encodeMessage(msg)); err != nil {
		return p.fail(op, err)
	}
	return nil
}

func encodeMessage(msg Message) []byte {
	if msg.KeepAlive {
		return make([]byte, 4)
	}
	payload := msg.Payload
	if msg.ID == MsgHave {
		payload = binary.BigEndian.AppendUint32(nil, msg.Index)
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)+1))
	buf[4] = byte(msg.ID)
	copy(buf[5:], payload)
	return buf
}

// applyBitfield replaces the peer's pieces. An empty payload from a peer of
// a torrent with an unknown piece count leaves the bitfield unset. With a
// known count the payload must have exactly the matching length, or be empty
// for a peer that has nothing.
func (p *Peer) applyBitfield(payload []byte) error {
	pieces := p.torrent.PieceCount()
	if pieces <= 0 {
		if len(payload) == 0 {
			p.log.Debug("empty bitfield ignored")
			return nil
		}
		p.bitfield = bitfield.Bitfield(payload).Clone()
		p.torrent.MergeBitfield(payload)
		return nil
	}

	bf := bitfield.New(pieces)
	if len(payload) != 0 && len(payload) != len(bf) {
		return apperrors.Invalid("", "", "bitfield is %d bytes, expected %d for %d pieces", len(payload), len(bf), pieces)
	}
	copy(bf, payload)
	p.bitfield = bf
	p.torrent.MergeBitfield(bf)
	return nil
}

// applyHave sets one piece. Before the first bitfield there is nothing to
// set and the update is dropped, both here and in the descriptor.
func (p *Peer) applyHave(index uint32) error {
	if p.bitfield == nil {
		p.log.Debug("have before bitfield dropped", zap.Uint32("piece", index))
		return nil
	}
	if pieces := p.torrent.PieceCount(); pieces > 0 && int64(index) >= int64(pieces) {
		return apperrors.Invalid("", "", "have index %d past the last piece %d", index, pieces-1)
	}
	if !p.bitfield.Set(index) {
		return apperrors.Invalid("", "", "have index %d outside a %d byte bitfield", index, len(p.bitfield))
	}
	p.torrent.MarkHave(index)
	return nil
}

func (p *Peer) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, p.conn, n); err != nil {
		return midFrame(err)
	}
	return nil
}

// fail classifies a transport error and closes the connection: after a
// partial frame the stream can no longer be trusted.
func (p *Peer) fail(op string, err error) error {
	p.Close()
	return apperrors.Classify(op, p.Addr.String(), err)
}

func (p *Peer) annotate(op string, err error) error {
	var e *apperrors.Error
	if errors.As(err, &e) && e.Op == "" {
		e.Op, e.Addr = op, p.Addr.String()
	}
	return err
}

// midFrame turns a clean EOF into ErrUnexpectedEOF: the frame boundary has
// already been passed.
func midFrame(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
