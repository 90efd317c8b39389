// Package torrentp2p speaks the peer-wire protocol far enough to observe
// what a remote peer has: handshake, message framing and bitfield/have
// tracking. Swarm runs that against every peer a torrent knows about.
package torrentp2p

import (
	"errors"
	"fmt"
	"time"
)

type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort // DHT, not parsed
	MsgExtended MessageID = 20
)

var messageNames = map[MessageID]string{
	MsgChoke:         "choke",
	MsgUnchoke:       "unchoke",
	MsgInterested:    "interested",
	MsgNotInterested: "not interested",
	MsgHave:          "have",
	MsgBitfield:      "bitfield",
	MsgRequest:       "request",
	MsgPiece:         "piece",
	MsgCancel:        "cancel",
	MsgPort:          "port",
	MsgExtended:      "extended",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("message(%d)", uint8(id))
}

// Message is one decoded frame. Index is only meaningful for have and
// Payload only for bitfield; the other ids are recognized but their payload
// is skipped.
type Message struct {
	KeepAlive bool
	ID        MessageID
	Index     uint32
	Payload   []byte
}

func (m Message) String() string {
	switch {
	case m.KeepAlive:
		return "keep-alive"
	case m.ID == MsgHave:
		return fmt.Sprintf("have %d", m.Index)
	case m.ID == MsgBitfield:
		return fmt.Sprintf("bitfield (%d bytes)", len(m.Payload))
	default:
		return m.ID.String()
	}
}

// State of a peer connection. Closed peers may connect again.
type State uint8

const (
	Unconnected State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var (
	// ErrNoMessage is wrapped by the timeout returned when nothing at all
	// arrived before the wait for the next length prefix ran out.
	ErrNoMessage    = errors.New("no message pending")
	ErrNotConnected = errors.New("peer is not connected")
)

type Config struct {
	DialTimeout time.Duration
	// ReadTimeout applies to the handshake, to the body of a frame whose
	// length prefix has been read, and to the wait for the next prefix
	// outside of ReadAll.
	ReadTimeout time.Duration
	// DrainTimeout is the wait for the next prefix inside ReadAll.
	DrainTimeout     time.Duration
	MaxMessageLength uint32
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:      5 * time.Second,
		ReadTimeout:      5 * time.Second,
		DrainTimeout:     500 * time.Millisecond,
		MaxMessageLength: 2 << 20,
	}
}
