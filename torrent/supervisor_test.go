package torrent

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gorent/gorent/internal/xerrors"
	"github.com/gorent/gorent/metainfo"
	"github.com/gorent/gorent/peer"
	"github.com/gorent/gorent/piece"
	"github.com/gorent/gorent/tracker"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	meta := &metainfo.Metainfo{
		Name:        "fixture.bin",
		Single:      true,
		TotalSize:   piece.BlockSize,
		PieceLength: piece.BlockSize,
		PieceHashes: [][20]byte{{}},
		Announce:    "http://tracker.invalid/announce",
	}
	mgr, err := piece.NewManager(meta, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	return &Supervisor{
		meta:     meta,
		mgr:      mgr,
		trk:      tracker.NewClient("http://127.0.0.1:1/announce", [20]byte{}, [20]byte{}, 6881, nil), // port 1: nothing listens, fails fast with no DNS lookup
		log:      logrus.NewEntry(logrus.StandardLogger()),
		eg:       &errgroup.Group{},
		sessions: make(map[string]*peer.Session),
	}
}

func TestSpawnSessionsDedupesByEndpoint(t *testing.T) {
	s := testSupervisor(t)
	p := peer.Peer{IP: net.ParseIP("127.0.0.1"), Port: 1} // nothing listens on port 1

	s.spawnSessions([]peer.Peer{p, p})
	assert.Len(t, s.sessions, 1, "the same endpoint offered twice must only occupy one session slot")

	s.eg.Wait()
}

func TestSpawnSessionsRespectsMaxPeers(t *testing.T) {
	s := testSupervisor(t)
	var peers []peer.Peer
	for i := 0; i < MaxPeers+5; i++ {
		peers = append(peers, peer.Peer{IP: net.ParseIP("127.0.0.1"), Port: uint16(20000 + i)})
	}

	s.spawnSessions(peers)
	s.sessionsMu.Lock()
	count := len(s.sessions)
	s.sessionsMu.Unlock()
	assert.LessOrEqual(t, count, MaxPeers)

	s.eg.Wait()
}

func TestFailedDialRemovesSessionSlot(t *testing.T) {
	s := testSupervisor(t)
	p := peer.Peer{IP: net.ParseIP("127.0.0.1"), Port: 1}

	s.spawnSessions([]peer.Peer{p})
	require.NoError(t, s.eg.Wait())

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	assert.Empty(t, s.sessions, "a failed dial must remove its placeholder session slot")
}

func TestShutdownAfterCancelEntersErrorStatusOnFatalSessionFailure(t *testing.T) {
	s := testSupervisor(t)
	fatal := xerrors.Fatal("peer.handlePiece", errors.New("disk full"))
	s.eg.Go(func() error { return fatal })

	err := s.shutdownAfterCancel(context.Background())
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, StatusError, s.Status())
}

func TestShutdownAfterCancelReturnsCtxErrOnPlainCancellation(t *testing.T) {
	s := testSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.shutdownAfterCancel(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusStarting, s.Status(), "a plain external cancellation must not flip the status to error")
}

func TestCloseReleasesTrackerAndManager(t *testing.T) {
	s := testSupervisor(t)
	assert.NoError(t, s.Close())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "downloading", StatusDownloading.String())
	assert.Equal(t, "seeding", StatusSeeding.String())
}

func TestObservableStateDefaults(t *testing.T) {
	s := testSupervisor(t)
	assert.Equal(t, StatusStarting, s.Status())
	assert.Equal(t, 0, s.PeerCount())
	start, end := s.Timestamps()
	assert.True(t, start.IsZero())
	assert.True(t, end.IsZero())

	s.mu.Lock()
	s.status = StatusDownloading
	s.mu.Unlock()
	assert.Equal(t, StatusDownloading, s.Status())
}
