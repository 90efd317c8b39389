package torrent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrInvalidInfoHash = errors.New("invalid info_hash: must be a 40-character hexadecimal hash")

// InfoHash is kept in its hex form and only turned into raw bytes when it
// goes on the wire.
type InfoHash string

func ParseInfoHash(s string) (InfoHash, error) {
	if len(s) != 40 {
		return "", ErrInvalidInfoHash
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInfoHash, err)
	}
	return InfoHash(strings.ToLower(s)), nil
}

func InfoHashFromBytes(b [20]byte) InfoHash {
	return InfoHash(hex.EncodeToString(b[:]))
}

// Bytes returns the raw 20-byte form.
func (h InfoHash) Bytes() ([20]byte, error) {
	var out [20]byte
	if len(h) != 40 {
		return out, ErrInvalidInfoHash
	}
	if _, err := hex.Decode(out[:], []byte(h)); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidInfoHash, err)
	}
	return out, nil
}

func (h InfoHash) String() string { return string(h) }

const peerIDFiller = '-'

// PeerID is the client identifier sent in handshakes and announces.
type PeerID string

// DefaultPeerID is the identifier used by reachability probes.
const DefaultPeerID PeerID = "-robots-testing12345"

// NewPeerID returns an Azureus-style id: -BP0001- followed by 12 random hex digits.
func NewPeerID() PeerID {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return PeerID("-BP0001-" + hex.EncodeToString(b))
}

// Wire returns exactly 20 bytes: longer ids are truncated, shorter ones are
// left-padded with '-'.
func (id PeerID) Wire() [20]byte {
	var out [20]byte
	s := string(id)
	if len(s) >= len(out) {
		copy(out[:], s[:len(out)])
		return out
	}
	pad := len(out) - len(s)
	for i := 0; i < pad; i++ {
		out[i] = peerIDFiller
	}
	copy(out[pad:], s)
	return out
}

// PeerAddr is a peer endpoint as reported by a tracker. IP may also hold a
// DNS name when a tracker returns dictionary peers.
type PeerAddr struct {
	IP   string
	Port uint16
}

func (a PeerAddr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}
