package torrent

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

var errNoInfo = errors.New("metainfo has no info dictionary")

// Load reads and parses a .torrent file.
func Load(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseMetainfo(f)
}

// ParseMetainfo decodes a bencoded .torrent. The info-hash is the SHA-1 of
// the re-encoded info dictionary.
func ParseMetainfo(r io.Reader) (*Metainfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	decoded, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("couldn't decode metainfo: %w", err)
	}
	root, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, errors.New("metainfo is not a dictionary")
	}
	info, ok := root["info"]
	if !ok {
		return nil, errNoInfo
	}
	infoHash, err := hashInfo(info)
	if err != nil {
		return nil, err
	}

	var mf metainfoFile
	if err := bencode.Unmarshal(bytes.NewReader(raw), &mf); err != nil {
		return nil, fmt.Errorf("couldn't unmarshal metainfo: %w", err)
	}
	if len(mf.Info.Pieces)%20 != 0 {
		return nil, errors.New("corrupted data in pieces")
	}

	m := &Metainfo{
		InfoHash:    infoHash,
		Name:        mf.Info.Name,
		Length:      mf.Info.Length,
		PieceLength: mf.Info.PieceLength,
		PieceCount:  len(mf.Info.Pieces) / 20,
		Trackers:    mf.trackers(),
		Comment:     mf.Comment,
		CreatedBy:   mf.CreatedBy,
	}
	if m.Length == 0 {
		for _, f := range mf.Info.Files {
			m.Length += f.Length
		}
	}
	return m, nil
}

// Descriptor starts a session for this torrent.
func (m *Metainfo) Descriptor() *Descriptor {
	return &Descriptor{
		infoHash: m.InfoHash,
		pieces:   m.PieceCount,
		known:    make(map[PeerAddr]struct{}),
	}
}

func hashInfo(info interface{}) (InfoHash, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return "", fmt.Errorf("couldn't encode info dictionary: %w", err)
	}
	return InfoHashFromBytes(sha1.Sum(buf.Bytes())), nil
}

// trackers flattens announce and announce-list, dropping duplicates.
func (mf *metainfoFile) trackers() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	add(mf.Announce)
	for _, tier := range mf.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}
