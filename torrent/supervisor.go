// Package torrent implements the Download Supervisor of spec.md §4.7: it
// owns one torrent's end-to-end lifecycle, announcing to the tracker and
// DHT, spawning peer sessions up to MAX_PEERS, and tracking observable
// progress until the Piece Manager reports completion.
//
// Grounded on the teacher's Torrent.Download (the peer-fan-out/work-queue
// shape), generalized from its single upfront worker pool into a
// supervisor loop that re-announces every tracker interval and tolerates
// peers joining and leaving over the life of the download, per spec.md
// §4.7. Session lifetime is owned by a golang.org/x/sync/errgroup.Group,
// grounded on prxssh-rabbit and dannyzb/torrent's use of the same package.
package torrent

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gorent/gorent/dht"
	"github.com/gorent/gorent/internal/xerrors"
	"github.com/gorent/gorent/metainfo"
	"github.com/gorent/gorent/peer"
	"github.com/gorent/gorent/piece"
	"github.com/gorent/gorent/tracker"
)

// MaxPeers bounds live sessions per torrent (spec.md §4.7, §5).
const MaxPeers = 40

// Status is the supervisor's coarse lifecycle state (spec.md §6).
type Status int

const (
	StatusStarting Status = iota
	StatusDownloading
	StatusSeeding
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusDownloading:
		return "downloading"
	case StatusSeeding:
		return "seeding"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Config bounds the supervisor's optional behavior.
type Config struct {
	Destination string
	ListenPort  uint16
	ClientName  string // used to build the Azureus-style peer id, e.g. "GR"
	EnableDHT   bool
	DHTPort     int
}

// Supervisor owns one torrent's download from STARTING through SEEDING.
// Its observable fields are readable without blocking the download, per
// spec.md §6 — callers should use the accessor methods, which take a short
// lock rather than touching fields directly.
type Supervisor struct {
	meta   *metainfo.Metainfo
	cfg    Config
	peerID [20]byte
	mgr    *piece.Manager
	trk    *tracker.Client
	dhtC   *dht.Client
	log    *logrus.Entry

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	endedAt   time.Time
	peerCount int

	eg *errgroup.Group

	sessionsMu sync.Mutex
	sessions   map[string]*peer.Session
}

// New builds a Supervisor for meta, preparing its on-disk file layout
// immediately (spec.md §4.3's file pre-allocation).
func New(meta *metainfo.Metainfo, cfg Config, log *logrus.Entry) (*Supervisor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("torrent", meta.Name)

	mgr, err := piece.NewManager(meta, cfg.Destination, log)
	if err != nil {
		return nil, err
	}

	clientName := cfg.ClientName
	if clientName == "" {
		clientName = "GR"
	}
	peerID := tracker.GeneratePeerID(clientName)
	trk := tracker.NewClient(meta.Announce, meta.InfoHash, peerID, cfg.ListenPort, log)

	var dhtC *dht.Client
	if cfg.EnableDHT {
		dhtC, err = dht.NewClient(cfg.DHTPort, log)
		if err != nil {
			log.WithError(err).Warn("failed to start DHT client, continuing tracker-only")
			dhtC = nil
		}
	}

	return &Supervisor{
		meta:     meta,
		cfg:      cfg,
		peerID:   peerID,
		mgr:      mgr,
		trk:      trk,
		dhtC:     dhtC,
		log:      log,
		status:   StatusStarting,
		sessions: make(map[string]*peer.Session),
	}, nil
}

// Run drives the supervisor until ctx is canceled or the torrent reaches a
// terminal state (SEEDING after completion, or a fatal disk error).
func (s *Supervisor) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg

	s.mu.Lock()
	s.startedAt = time.Now()
	s.status = StatusDownloading
	s.mu.Unlock()

	interval := s.announce(egCtx, tracker.EventStarted)

	for {
		if s.mgr.Complete() {
			return s.onComplete(ctx)
		}

		select {
		case <-egCtx.Done():
			return s.shutdownAfterCancel(ctx)
		case <-time.After(interval):
		}

		interval = s.announce(egCtx, tracker.EventNone)
	}
}

// shutdownAfterCancel drains every peer session after egCtx fires, which
// happens either because ctx was canceled from outside or because a session
// goroutine returned a fatal error (errgroup.WithContext cancels egCtx on
// the first non-nil return). eg.Wait's return value disambiguates the two:
// nil means plain external cancellation, non-nil means a peer session hit a
// fatal disk fault via piece.Fatal, and the torrent must end in
// StatusError rather than returning ctx.Err().
func (s *Supervisor) shutdownAfterCancel(ctx context.Context) error {
	s.closeSessions()
	if err := s.eg.Wait(); err != nil {
		s.mu.Lock()
		s.status = StatusError
		s.mu.Unlock()
		return err
	}
	s.announce(context.Background(), tracker.EventStopped)
	return ctx.Err()
}

func (s *Supervisor) closeSessions() {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	for _, sess := range s.sessions {
		sess.Close()
	}
}

// announce polls the tracker (and DHT, if enabled), spawns sessions for any
// newly discovered endpoint up to MaxPeers, and reports the interval to
// wait before the next poll.
func (s *Supervisor) announce(ctx context.Context, event tracker.Event) time.Duration {
	left := int64(s.meta.TotalSize) - int64(s.mgr.DownloadedBytes())
	if left < 0 {
		left = 0
	}

	peers, interval := s.trk.Announce(ctx, int64(s.mgr.DownloadedBytes()), 0, left, event)

	if s.dhtC != nil {
		dhtPeers, err := s.dhtC.FindPeers(ctx, s.meta.InfoHash)
		if err != nil {
			s.log.WithError(err).Debug("DHT peer discovery failed this round, will retry next interval")
		} else {
			peers = append(peers, dhtPeers...)
		}
	}

	s.spawnSessions(peers)
	return interval
}

func (s *Supervisor) spawnSessions(peers []peer.Peer) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if len(s.sessions) >= MaxPeers {
		return
	}

	for _, p := range peers {
		if len(s.sessions) >= MaxPeers {
			break
		}
		key := p.String()
		if _, exists := s.sessions[key]; exists {
			continue
		}
		placeholder := &peer.Session{}
		s.sessions[key] = placeholder
		s.eg.Go(func() error {
			return s.runSession(key, p)
		})
	}
}

// runSession drives one peer session to completion. Its return value feeds
// directly into errgroup.Group.Go: a non-nil return cancels egCtx and ends
// the torrent, so only a fatal (KindFatal) session error is returned — an
// ordinary dropped connection or protocol hiccup is logged and swallowed,
// since losing one peer must not abort the download.
func (s *Supervisor) runSession(key string, p peer.Peer) error {
	sess, err := peer.Dial(p, s.peerID, s.meta.InfoHash, s.mgr, s.log)
	if err != nil {
		s.log.WithError(err).WithField("peer", key).Debug("peer session failed before becoming ready")
		s.sessionsMu.Lock()
		delete(s.sessions, key)
		s.sessionsMu.Unlock()
		return nil
	}

	s.sessionsMu.Lock()
	s.sessions[key] = sess
	s.mu.Lock()
	s.peerCount = len(s.sessions)
	s.mu.Unlock()
	s.sessionsMu.Unlock()

	runErr := sess.Run()

	s.sessionsMu.Lock()
	delete(s.sessions, key)
	s.mu.Lock()
	s.peerCount = len(s.sessions)
	s.mu.Unlock()
	s.sessionsMu.Unlock()

	if runErr == nil {
		return nil
	}
	if xerrors.Is(runErr, xerrors.KindFatal) {
		s.log.WithError(runErr).WithField("peer", key).Error("fatal error from peer session, aborting torrent")
		return runErr
	}
	s.log.WithError(runErr).WithField("peer", key).Debug("peer session closed")
	return nil
}

func (s *Supervisor) onComplete(ctx context.Context) error {
	s.mu.Lock()
	s.status = StatusSeeding
	s.endedAt = time.Now()
	s.mu.Unlock()

	s.announce(ctx, tracker.EventCompleted)

	s.closeSessions()
	s.eg.Wait()

	if err := s.mgr.Close(); err != nil {
		return xerrors.Fatal("torrent.onComplete", err)
	}
	return nil
}

// Close tears down the supervisor's resources: the Piece Manager's open
// file handles and, if enabled, the DHT socket. The download must already
// be stopped (Run returned) before calling Close.
func (s *Supervisor) Close() error {
	if s.dhtC != nil {
		s.dhtC.Close()
	}
	if s.trk != nil {
		s.trk.Close()
	}
	if err := s.mgr.Close(); err != nil {
		return xerrors.Fatal("torrent.Close", err)
	}
	return nil
}

// Status returns the current lifecycle status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the fraction of pieces verified, in [0, 1].
func (s *Supervisor) Progress() float64 { return s.mgr.Progress() }

// DownloadedBytes returns the running total of bytes accepted into piece
// buffers.
func (s *Supervisor) DownloadedBytes() uint64 { return s.mgr.DownloadedBytes() }

// PeerCount returns the number of live peer sessions.
func (s *Supervisor) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCount
}

// Timestamps returns the recorded start and end times; end is the zero
// Time until the torrent reaches SEEDING.
func (s *Supervisor) Timestamps() (start, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt, s.endedAt
}
