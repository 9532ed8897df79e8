package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/message"
	"github.com/gorent/gorent/metainfo"
	"github.com/gorent/gorent/piece"
)

func testManager(t *testing.T) *piece.Manager {
	t.Helper()
	meta := &metainfo.Metainfo{
		Name:        "fixture.bin",
		Single:      true,
		TotalSize:   piece.BlockSize,
		PieceLength: piece.BlockSize,
		PieceHashes: [][20]byte{{}},
	}
	mgr, err := piece.NewManager(meta, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestNewSessionHandshakeAndBitfieldExchange(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	infoHash := [20]byte{1, 2, 3}
	ourID := [20]byte{9, 9, 9}
	theirID := [20]byte{4, 5, 6}

	mgr := testManager(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		in, err := message.ReadHandshake(remote)
		require.NoError(t, err)
		assert.Equal(t, infoHash, in.InfoHash)

		out := &message.Handshake{InfoHash: infoHash, PeerID: theirID}
		_, err = remote.Write(out.Serialize())
		require.NoError(t, err)

		bf, err := message.ReadMessage(remote)
		require.NoError(t, err)
		require.NotNil(t, bf)
		assert.Equal(t, message.Bitfield, bf.ID)

		interested, err := message.ReadMessage(remote)
		require.NoError(t, err)
		require.NotNil(t, interested)
		assert.Equal(t, message.Interested, interested.ID)
	}()

	sess, err := newSession(local, Peer{IP: net.ParseIP("127.0.0.1"), Port: 6881}, ourID, infoHash, mgr, nil)
	require.NoError(t, err)
	defer sess.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("remote side did not complete handshake exchange in time")
	}

	assert.Equal(t, theirID, sess.PeerID())
	assert.Equal(t, StateReady, sess.State())
}

func TestNewSessionRejectsInfohashMismatch(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	mgr := testManager(t)

	go func() {
		message.ReadHandshake(remote)
		out := &message.Handshake{InfoHash: [20]byte{0xFF}, PeerID: [20]byte{1}}
		remote.Write(out.Serialize())
	}()

	_, err := newSession(local, Peer{IP: net.ParseIP("127.0.0.1"), Port: 6881}, [20]byte{1, 2, 3}, [20]byte{1, 2, 3}, mgr, nil)
	assert.Error(t, err)
}

func TestRefillRespectsChokeAndStopsWhenNothingRequestable(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	mgr := testManager(t)
	s := &Session{conn: local, mgr: mgr, peerChoking: true}
	require.NoError(t, s.refill())
	assert.Equal(t, 0, s.pendingCount)

	s.peerChoking = false
	go func() {
		message.ReadMessage(remote) // drain the single request this 1-block torrent produces
	}()
	require.NoError(t, s.refill())
	assert.Equal(t, 1, s.pendingCount)
}
