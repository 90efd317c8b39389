package torrentp2p

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/vaguilera/btprobe/apperrors"
)

const (
	protocolName = "BitTorrent protocol"
	handshakeLen = 68
)

type handshakeP struct {
	pstrLength byte
	protocol   [19]byte
	reserved   [8]byte
	infoHash   [20]byte
	peerID     [20]byte
}

func newHandshake(infoHash, peerID [20]byte) handshakeP {
	hs := handshakeP{
		pstrLength: byte(len(protocolName)),
		infoHash:   infoHash,
		peerID:     peerID,
	}
	copy(hs.protocol[:], protocolName)
	return hs
}

func (hs handshakeP) marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, handshakeLen))
	if err := binary.Write(buf, binary.BigEndian, hs); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func unmarshalHandshake(buffer []byte) handshakeP {
	var hs handshakeP
	hs.pstrLength = buffer[0]
	copy(hs.protocol[:], buffer[1:20])
	copy(hs.reserved[:], buffer[20:28])
	copy(hs.infoHash[:], buffer[28:48])
	copy(hs.peerID[:], buffer[48:68])
	return hs
}

// validate checks the answer against what we sent. Reserved bits are
// extension flags and are not compared.
func (hs handshakeP) validate(infoHash [20]byte) error {
	if hs.pstrLength != byte(len(protocolName)) || string(hs.protocol[:]) != protocolName {
		return apperrors.Invalid("", "", "unexpected protocol header %q", append([]byte{hs.pstrLength}, hs.protocol[:]...))
	}
	if hs.infoHash != infoHash {
		return apperrors.Invalid("", "", "info-hash mismatch: got %x", hs.infoHash)
	}
	return nil
}

// exchangeHandshake writes our handshake and reads exactly one answer.
// A short answer is SocketClosed when the remote hung up and InvalidResponse
// when it simply stopped sending.
func exchangeHandshake(rw readWriteDeadliner, out handshakeP, timeout time.Duration) (handshakeP, error) {
	rw.SetDeadline(time.Now().Add(timeout))
	defer rw.SetDeadline(time.Time{})

	if _, err := rw.Write(out.marshal()); err != nil {
		return handshakeP{}, apperrors.Classify("", "", err)
	}

	buffer := make([]byte, handshakeLen)
	n, err := io.ReadFull(rw, buffer)
	if err != nil {
		if n > 0 && apperrors.IsTimeout(err) {
			return handshakeP{}, apperrors.Invalid("", "", "short handshake: %d of %d bytes", n, handshakeLen)
		}
		return handshakeP{}, apperrors.Classify("", "", err)
	}

	in := unmarshalHandshake(buffer)
	if err := in.validate(out.infoHash); err != nil {
		return handshakeP{}, err
	}
	return in, nil
}

type readWriteDeadliner interface {
	io.ReadWriter
	SetDeadline(t time.Time) error
}
