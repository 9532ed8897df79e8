// Package metainfo parses a .torrent file per spec.md §4.2 and §6: a
// bencoded dictionary with `announce`, optional `announce-list`, and an
// `info` sub-dictionary describing the piece layout and file plan.
//
// Grounded on the teacher's bencodeInfo/bencodeTorrent/toTorrentFile, with
// multi-file support supplemented from original_source/torrent.py and
// original_source/piece_manager.py (whose `_setup_files` branches on
// torrent.files being non-empty).
package metainfo

import (
	"crypto/sha1"
	"os"

	"github.com/pkg/errors"

	"github.com/gorent/gorent/bencode"
	"github.com/gorent/gorent/internal/xerrors"
)

const HashSize = 20

// File describes one file of a multi-file torrent's plan, in declared
// order, relative to the torrent's name directory.
type File struct {
	Path   []string // relative path components
	Length int64
}

// Metainfo is the immutable, parsed contents of a .torrent file (spec.md
// §3).
type Metainfo struct {
	Announce     string
	AnnounceList []string

	InfoHash [HashSize]byte

	PieceLength int64
	PieceHashes [][HashSize]byte

	Name string

	// Single is true for a single-file torrent; Files is empty in that
	// case and TotalSize is the one file's length.
	Single bool
	Files  []File

	TotalSize int64
}

// NumPieces is the number of pieces the payload is split into.
func (m *Metainfo) NumPieces() int { return len(m.PieceHashes) }

// PieceLen returns the length of piece i, accounting for the last piece
// potentially being shorter than PieceLength (spec.md §3's invariant:
// total_size == (N-1)*L + last_piece_length, 0 < last_piece_length <= L).
func (m *Metainfo) PieceLen(i int) int64 {
	if i == m.NumPieces()-1 {
		last := m.TotalSize % m.PieceLength
		if last == 0 {
			return m.PieceLength
		}
		return last
	}
	return m.PieceLength
}

// ParseFile reads and parses the .torrent file at path.
func ParseFile(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Fatal("metainfo.ParseFile", err)
	}
	return Parse(data)
}

// Parse decodes a .torrent file's raw bytes into a Metainfo.
func Parse(data []byte) (*Metainfo, error) {
	top, err := bencode.Decode(data)
	if err != nil {
		return nil, xerrors.Fatal("metainfo.Parse", errors.Wrap(err, "decoding torrent file"))
	}
	if top.Kind != bencode.KindDict {
		return nil, xerrors.Fatal("metainfo.Parse", errors.Wrap(xerrors.ErrMalformedMetainfo, "top-level value is not a dictionary"))
	}

	m := &Metainfo{}

	announceVal, ok := top.Get("announce")
	if !ok {
		return nil, malformed("missing announce key")
	}
	announce, err := announceVal.AsString()
	if err != nil {
		return nil, malformed("announce is not a string: " + err.Error())
	}
	m.Announce = announce

	if listVal, ok := top.Get("announce-list"); ok {
		tiers, err := listVal.AsList()
		if err == nil {
			for _, tier := range tiers {
				urls, err := tier.AsList()
				if err != nil {
					continue
				}
				for _, u := range urls {
					s, err := u.AsString()
					if err == nil {
						m.AnnounceList = append(m.AnnounceList, s)
					}
				}
			}
		}
	}

	infoVal, ok := top.Get("info")
	if !ok {
		return nil, malformed("missing info dictionary")
	}
	if infoVal.Kind != bencode.KindDict {
		return nil, malformed("info is not a dictionary")
	}

	hash := sha1.Sum(infoVal.Span(data))
	m.InfoHash = hash

	if err := parseInfo(m, infoVal); err != nil {
		return nil, err
	}

	return m, nil
}

func parseInfo(m *Metainfo, info *bencode.Value) error {
	nameVal, ok := info.Get("name")
	if !ok {
		return malformed("info missing name")
	}
	name, err := nameVal.AsString()
	if err != nil {
		return malformed("name is not a string: " + err.Error())
	}
	m.Name = name

	pieceLenVal, ok := info.Get("piece length")
	if !ok {
		return malformed("info missing piece length")
	}
	pieceLength, err := pieceLenVal.AsInt()
	if err != nil {
		return malformed("piece length is not an integer: " + err.Error())
	}
	if pieceLength <= 0 {
		return malformed("piece length must be positive")
	}
	m.PieceLength = pieceLength

	piecesVal, ok := info.Get("pieces")
	if !ok {
		return malformed("info missing pieces")
	}
	piecesBlob, err := piecesVal.AsBytes()
	if err != nil {
		return malformed("pieces is not a byte-string: " + err.Error())
	}
	if len(piecesBlob)%HashSize != 0 {
		return malformed("pieces length not divisible by 20")
	}
	numHashes := len(piecesBlob) / HashSize
	m.PieceHashes = make([][HashSize]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(m.PieceHashes[i][:], piecesBlob[i*HashSize:(i+1)*HashSize])
	}

	if lengthVal, ok := info.Get("length"); ok {
		length, err := lengthVal.AsInt()
		if err != nil {
			return malformed("length is not an integer: " + err.Error())
		}
		m.Single = true
		m.TotalSize = length
		return validateSize(m)
	}

	filesVal, ok := info.Get("files")
	if !ok {
		return malformed("info has neither length nor files")
	}
	fileList, err := filesVal.AsList()
	if err != nil {
		return malformed("files is not a list: " + err.Error())
	}
	var total int64
	for _, fv := range fileList {
		f, err := parseFileEntry(fv)
		if err != nil {
			return err
		}
		m.Files = append(m.Files, f)
		total += f.Length
	}
	m.Single = false
	m.TotalSize = total
	return validateSize(m)
}

func parseFileEntry(v *bencode.Value) (File, error) {
	lengthVal, ok := v.Get("length")
	if !ok {
		return File{}, malformed("file entry missing length")
	}
	length, err := lengthVal.AsInt()
	if err != nil {
		return File{}, malformed("file length is not an integer: " + err.Error())
	}

	pathVal, ok := v.Get("path")
	if !ok {
		return File{}, malformed("file entry missing path")
	}
	pathList, err := pathVal.AsList()
	if err != nil {
		return File{}, malformed("file path is not a list: " + err.Error())
	}
	path := make([]string, 0, len(pathList))
	for _, p := range pathList {
		s, err := p.AsString()
		if err != nil {
			return File{}, malformed("file path component is not a string: " + err.Error())
		}
		path = append(path, s)
	}
	return File{Path: path, Length: length}, nil
}

func validateSize(m *Metainfo) error {
	if m.NumPieces() == 0 {
		return malformed("torrent has zero pieces")
	}
	expected := int64(m.NumPieces()-1)*m.PieceLength + m.PieceLen(m.NumPieces()-1)
	if expected != m.TotalSize {
		return malformed("total size does not match piece plan")
	}
	last := m.PieceLen(m.NumPieces() - 1)
	if last <= 0 || last > m.PieceLength {
		return malformed("last piece length out of range")
	}
	return nil
}

func malformed(msg string) error {
	return xerrors.Fatal("metainfo.Parse", errors.Wrap(xerrors.ErrMalformedMetainfo, msg))
}
