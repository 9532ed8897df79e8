package peer

import (
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gorent/gorent/bitfield"
	"github.com/gorent/gorent/internal/xerrors"
	"github.com/gorent/gorent/message"
	"github.com/gorent/gorent/piece"
)

// Timeouts from spec.md §5.
const (
	ConnectTimeout   = 10 * time.Second
	HandshakeTimeout = 10 * time.Second
	IdleReadTimeout  = 120 * time.Second
)

// MaxPendingRequests is the per-session outstanding-request cap of
// spec.md §4.4 / §5.
const MaxPendingRequests = 20

// State is a peer session's position in spec.md §4.4's state machine.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live connection to a remote peer, feeding accepted blocks
// into a shared Piece Manager.
type Session struct {
	conn net.Conn
	peer Peer

	infoHash     [20]byte
	peerID       [20]byte
	remotePeerID [20]byte

	peerChoking  bool
	amInterested bool
	peerBitfield bitfield.Bitfield

	pendingCount int

	mgr *piece.Manager
	log *logrus.Entry

	state State
}

// Dial connects to p, performs the handshake, exchanges bitfields, and
// returns a Session ready to Run. infoHash and peerID are ours; mgr is the
// shared Piece Manager this session feeds.
func Dial(p Peer, peerID, infoHash [20]byte, mgr *piece.Manager, log *logrus.Entry) (*Session, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"peer": p.String(), "session": uuid.NewString()})

	conn, err := net.DialTimeout("tcp", p.String(), ConnectTimeout)
	if err != nil {
		return nil, xerrors.Recoverable("peer.Dial", errors.Wrap(xerrors.ErrPeerUnreachable, err.Error()))
	}
	return newSession(conn, p, peerID, infoHash, mgr, log)
}

// newSession runs the handshake and bitfield exchange over an
// already-established conn. Split out from Dial so the state-machine logic
// can be exercised in tests over an in-memory net.Pipe, without a real TCP
// dial.
func newSession(conn net.Conn, p Peer, peerID, infoHash [20]byte, mgr *piece.Manager, log *logrus.Entry) (*Session, error) {
	s := &Session{
		conn:        conn,
		peer:        p,
		infoHash:    infoHash,
		peerID:      peerID,
		peerChoking: true,
		mgr:         mgr,
		log:         log,
		state:       StateHandshaking,
	}

	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.exchangeBitfields(); err != nil {
		conn.Close()
		return nil, err
	}

	s.state = StateReady
	return s, nil
}

func (s *Session) handshake() error {
	s.conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	out := &message.Handshake{InfoHash: s.infoHash, PeerID: s.peerID}
	if _, err := s.conn.Write(out.Serialize()); err != nil {
		return xerrors.Recoverable("peer.handshake", errors.Wrap(err, "writing handshake"))
	}

	in, err := message.ReadHandshake(s.conn)
	if err != nil {
		return xerrors.Recoverable("peer.handshake", errors.Wrap(err, "reading handshake"))
	}
	if in.InfoHash != s.infoHash {
		return xerrors.Recoverable("peer.handshake", errors.Wrapf(xerrors.ErrHandshakeMismatch, "got %x want %x", in.InfoHash, s.infoHash))
	}
	s.remotePeerID = in.PeerID
	return nil
}

// exchangeBitfields sends our current have-vector and sends `interested`
// immediately after, per spec.md §4.4's state machine. The remote's
// bitfield, if sent, is recorded by the first iteration of the message
// loop rather than blocked on here — some peers send it late or not at
// all, and spec.md does not require we wait for it before proceeding.
func (s *Session) exchangeBitfields() error {
	bf := s.mgr.BitfieldBytes()
	if _, err := s.conn.Write(message.NewBitfield(bf).Serialize()); err != nil {
		return xerrors.Recoverable("peer.exchangeBitfields", errors.Wrap(err, "sending bitfield"))
	}
	if _, err := s.conn.Write(message.New(message.Interested).Serialize()); err != nil {
		return xerrors.Recoverable("peer.exchangeBitfields", errors.Wrap(err, "sending interested"))
	}
	s.amInterested = true
	return nil
}

// Run drives the session's message loop until the connection closes or ctx
// is canceled-equivalent (the caller closes the session to cancel). It
// returns nil only when the peer closes the connection cleanly with no
// error; any protocol violation, timeout, or I/O error is returned so the
// supervisor can drop this session from its roster.
func (s *Session) Run() error {
	defer s.Close()

	if err := s.refill(); err != nil {
		return err
	}

	for {
		s.conn.SetReadDeadline(time.Now().Add(IdleReadTimeout))
		msg, err := message.ReadMessage(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // remote closed the connection between messages
			}
			return xerrors.Recoverable("peer.Run", errors.Wrap(xerrors.ErrPeerTimeout, err.Error()))
		}
		if msg == nil {
			continue // keep-alive
		}

		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handle(msg *message.Message) error {
	switch msg.ID {
	case message.Choke:
		s.peerChoking = true
		s.pendingCount = 0
	case message.Unchoke:
		s.peerChoking = false
		return s.refill()
	case message.Interested, message.NotInterested:
		// recorded for a future seeding path; the leecher core does not act on it.
	case message.Have:
		index, err := message.ParseHave(msg)
		if err != nil {
			return xerrors.Recoverable("peer.handle", err)
		}
		if s.peerBitfield == nil {
			s.peerBitfield = bitfield.New(s.mgr.NumPieces())
		}
		s.peerBitfield.Set(index)
	case message.Bitfield:
		s.peerBitfield = bitfield.Bitfield(append([]byte(nil), msg.Payload...))
	case message.Request, message.Cancel:
		// seeding/uploading is a spec.md non-goal; requests are ignored.
	case message.Piece:
		if err := s.handlePiece(msg); err != nil {
			return err
		}
		s.pendingCount--
		return s.refill()
	default:
		s.log.WithField("id", msg.ID).Debug("ignoring unknown message id")
	}
	return nil
}

func (s *Session) handlePiece(msg *message.Message) error {
	index, offset, data, err := message.ParsePiece(msg)
	if err != nil {
		return xerrors.Recoverable("peer.handlePiece", err)
	}
	if result := s.mgr.BlockReceived(index, offset, data); result == piece.Fatal {
		return xerrors.Fatal("peer.handlePiece", s.mgr.FatalErr())
	}
	return nil
}

// refill issues NextRequest calls until the pipeline is full, the peer is
// choking us, or the Piece Manager has nothing requestable (spec.md §4.4:
// "each piece reply or choke transition triggers a refill attempt").
func (s *Session) refill() error {
	if s.peerChoking {
		return nil
	}
	for s.pendingCount < MaxPendingRequests {
		index, offset, length, ok := s.mgr.NextRequest()
		if !ok {
			break
		}
		req := message.NewRequest(index, offset, length)
		if _, err := s.conn.Write(req.Serialize()); err != nil {
			return xerrors.Recoverable("peer.refill", errors.Wrap(err, "sending request"))
		}
		s.pendingCount++
	}
	return nil
}

// Close terminates the session. It is safe to call more than once.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// PeerID returns the remote's handshake-advertised peer id.
func (s *Session) PeerID() [20]byte { return s.remotePeerID }

// Addr returns the remote endpoint this session is connected to.
func (s *Session) Addr() Peer { return s.peer }

// State reports the session's current lifecycle state.
func (s *Session) State() State { return s.state }
