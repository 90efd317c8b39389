package torrent

type multiFileInfo struct {
	Length uint64   `bencode:"length"`
	Path   []string `bencode:"path"`
}

type infoDict struct {
	Pieces      string          `bencode:"pieces"`
	PieceLength int             `bencode:"piece length"`
	Length      uint64          `bencode:"length"`
	Name        string          `bencode:"name"`
	Files       []multiFileInfo `bencode:"files"`
}

type metainfoFile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int64      `bencode:"creation date"`
	Info         infoDict   `bencode:"info"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
}

// Metainfo is the subset of a .torrent file needed to announce and to size
// availability bitfields.
type Metainfo struct {
	InfoHash    InfoHash
	Name        string
	Length      uint64
	PieceLength int
	PieceCount  int
	Trackers    []string
	Comment     string
	CreatedBy   string
}
