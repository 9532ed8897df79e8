package metainfo_test

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/bencode"
	"github.com/gorent/gorent/metainfo"
)

func singleFileFixture(t *testing.T, totalSize, pieceLength int64, numPieces int) []byte {
	t.Helper()
	pieces := make([]byte, numPieces*20)
	for i := range pieces {
		pieces[i] = byte(i)
	}
	info := bencode.NewDict(map[string]*bencode.Value{
		"name":         bencode.NewString("ubuntu.iso"),
		"piece length": bencode.NewInt(pieceLength),
		"pieces":       bencode.NewBytes(pieces),
		"length":       bencode.NewInt(totalSize),
	})
	top := bencode.NewDict(map[string]*bencode.Value{
		"announce": bencode.NewString("http://tracker.example/announce"),
		"info":     info,
	})
	return bencode.Encode(top)
}

func TestParseSingleFileInfohash(t *testing.T) {
	data := singleFileFixture(t, 100, 100, 1)
	m, err := metainfo.Parse(data)
	require.NoError(t, err)

	top, err := bencode.Decode(data)
	require.NoError(t, err)
	infoVal, ok := top.Get("info")
	require.True(t, ok)
	want := sha1.Sum(infoVal.Span(data))

	assert.Equal(t, want, m.InfoHash)
	assert.True(t, m.Single)
	assert.EqualValues(t, 100, m.TotalSize)
	assert.Equal(t, 1, m.NumPieces())
}

func TestParseMultiFile(t *testing.T) {
	files := bencode.NewList(
		bencode.NewDict(map[string]*bencode.Value{
			"length": bencode.NewInt(50),
			"path":   bencode.NewList(bencode.NewString("a.bin")),
		}),
		bencode.NewDict(map[string]*bencode.Value{
			"length": bencode.NewInt(50),
			"path":   bencode.NewList(bencode.NewString("sub"), bencode.NewString("b.bin")),
		}),
	)
	pieces := make([]byte, 20)
	info := bencode.NewDict(map[string]*bencode.Value{
		"name":         bencode.NewString("multi"),
		"piece length": bencode.NewInt(100),
		"pieces":       bencode.NewBytes(pieces),
		"files":        files,
	})
	top := bencode.NewDict(map[string]*bencode.Value{
		"announce": bencode.NewString("http://tracker.example/announce"),
		"info":     info,
	})
	m, err := metainfo.Parse(bencode.Encode(top))
	require.NoError(t, err)
	assert.False(t, m.Single)
	require.Len(t, m.Files, 2)
	assert.Equal(t, []string{"sub", "b.bin"}, m.Files[1].Path)
	assert.EqualValues(t, 100, m.TotalSize)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	info := bencode.NewDict(map[string]*bencode.Value{
		"name":         bencode.NewString("x"),
		"piece length": bencode.NewInt(10),
		"pieces":       bencode.NewBytes(make([]byte, 19)),
		"length":       bencode.NewInt(10),
	})
	top := bencode.NewDict(map[string]*bencode.Value{
		"announce": bencode.NewString("http://t"),
		"info":     info,
	})
	_, err := metainfo.Parse(bencode.Encode(top))
	assert.Error(t, err)
}

func TestParseLastPieceLength(t *testing.T) {
	data := singleFileFixture(t, 250, 100, 3)
	m, err := metainfo.Parse(data)
	require.NoError(t, err)
	assert.EqualValues(t, 100, m.PieceLen(0))
	assert.EqualValues(t, 100, m.PieceLen(1))
	assert.EqualValues(t, 50, m.PieceLen(2))
}
