package torrent

import (
	"sync"

	"github.com/vaguilera/btprobe/bitfield"
)

// Descriptor is the per-session torrent state shared by the tracker client
// and the peer connections: the info-hash, every peer endpoint seen so far
// and the piece availability reported by peers.
type Descriptor struct {
	infoHash InfoHash

	mu           sync.Mutex
	pieces       int
	peers        []PeerAddr
	known        map[PeerAddr]struct{}
	availability bitfield.Bitfield
}

func NewDescriptor(infoHash string) (*Descriptor, error) {
	h, err := ParseInfoHash(infoHash)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		infoHash: h,
		known:    make(map[PeerAddr]struct{}),
	}, nil
}

func (d *Descriptor) InfoHash() InfoHash { return d.infoHash }

// PieceCount is zero when the count is unknown, which is the case unless the
// descriptor was built from metainfo or given one with SetPieceCount.
func (d *Descriptor) PieceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pieces
}

// SetPieceCount fixes the number of pieces. The availability is resized to
// match and bits past the last piece are cleared.
func (d *Descriptor) SetPieceCount(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pieces = n
	if d.availability != nil {
		d.availability = d.fit(d.availability)
	}
}

// fit copies bits into a bitfield of exactly the known piece count. With an
// unknown count bits is returned unchanged.
func (d *Descriptor) fit(bits bitfield.Bitfield) bitfield.Bitfield {
	if d.pieces <= 0 {
		return bits
	}
	out := bitfield.New(d.pieces)
	copy(out, bits)
	if spare := d.pieces % 8; spare != 0 {
		out[len(out)-1] &= 0xFF << (8 - spare)
	}
	return out
}

// AddPeers records new endpoints in arrival order and returns how many were
// not known before.
func (d *Descriptor) AddPeers(peers ...PeerAddr) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	added := 0
	for _, p := range peers {
		if _, ok := d.known[p]; ok {
			continue
		}
		d.known[p] = struct{}{}
		d.peers = append(d.peers, p)
		added++
	}
	return added
}

func (d *Descriptor) Peers() []PeerAddr {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PeerAddr, len(d.peers))
	copy(out, d.peers)
	return out
}

// MergeBitfield ORs a peer's bitfield into the aggregated availability,
// initializing it on first use. With a known piece count the result is sized
// to it and bits past the last piece are ignored.
func (d *Descriptor) MergeBitfield(bits []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.availability == nil && d.pieces > 0 {
		d.availability = bitfield.New(d.pieces)
	}
	d.availability = d.fit(d.availability.Union(bits))
}

// MarkHave sets a single piece. It is a no-op until a bitfield has been
// merged, and for indexes past a known piece count.
// TODO: haves arriving before any bitfield are dropped here; queue them once
// a caller needs availability from peers that never send a bitfield.
func (d *Descriptor) MarkHave(index uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.availability == nil {
		return
	}
	if d.pieces > 0 && int64(index) >= int64(d.pieces) {
		return
	}
	d.availability.Set(index)
}

// Availability returns a copy of the aggregated bitfield, nil if no peer has
// reported one yet.
func (d *Descriptor) Availability() bitfield.Bitfield {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.availability.Clone()
}

func (d *Descriptor) HasPiece(index uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.availability.Has(index)
}
