// Package tracker implements the HTTP Tracker client of spec.md §4.5: a GET
// announce with a byte-wise percent-encoded info_hash/peer_id, a bencoded
// response, and the compact peer list format.
//
// Grounded on the teacher's torrent.RequestPeers/buildTrackerURL/
// percentEncode, swapped from jackpal/bencode-go struct tags onto this
// module's span-tracking bencode.Value decoder, and extended with the
// event lifecycle (started/stopped/completed) from
// original_source/tracker.py, which the teacher's single-shot announce
// did not model.
package tracker

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gorent/gorent/bencode"
	"github.com/gorent/gorent/internal/xerrors"
	"github.com/gorent/gorent/peer"
)

// Timeout is the tracker HTTP call budget of spec.md §5.
const Timeout = 10 * time.Second

// Event is the tracker announce lifecycle marker of spec.md §4.5.
type Event string

const (
	// EventNone omits the event parameter, for ordinary interval polls.
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// DefaultInterval is used whenever the tracker's response omits `interval`,
// or the announce fails outright (spec.md §4.5).
const DefaultInterval = 60 * time.Second

// Client announces one torrent to its tracker over the lifetime of a
// download, reusing a single *http.Client (grounded on
// original_source/tracker.py's one-aiohttp.ClientSession-per-Tracker
// pattern).
type Client struct {
	httpClient *http.Client
	announce   string
	infoHash   [20]byte
	peerID     [20]byte
	port       uint16
	log        *logrus.Entry
}

// NewClient builds a tracker Client for a single torrent's announce URL.
func NewClient(announceURL string, infoHash, peerID [20]byte, port uint16, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		httpClient: &http.Client{Timeout: Timeout},
		announce:   announceURL,
		infoHash:   infoHash,
		peerID:     peerID,
		port:       port,
		log:        log,
	}
}

// Close releases the tracker's idle HTTP connections. Call once the torrent
// is done announcing (grounded on original_source/tracker.py's Tracker.close).
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// GeneratePeerID builds a 20-byte Azureus-style peer id: "-XX0001-" plus 12
// random ASCII digits (spec.md §4.5).
func GeneratePeerID(client string) [20]byte {
	var id [20]byte
	prefix := fmt.Sprintf("-%s0001-", client)
	copy(id[:], prefix)
	for i := len(prefix); i < 20; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		digit := byte('0')
		if err == nil {
			digit = byte('0' + n.Int64())
		}
		id[i] = digit
	}
	return id
}

// Announce performs one GET to the tracker. On any HTTP, network, or decode
// error it returns (nil, DefaultInterval) per spec.md §4.5's error policy —
// the supervisor re-polls after the interval regardless of success.
func (c *Client) Announce(ctx context.Context, downloaded, uploaded, left int64, event Event) ([]peer.Peer, time.Duration) {
	reqURL, err := c.buildURL(downloaded, uploaded, left, event)
	if err != nil {
		c.log.WithError(err).Warn("failed to build tracker announce URL")
		return nil, DefaultInterval
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		c.log.WithError(err).Warn("failed to build tracker announce request")
		return nil, DefaultInterval
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(errors.Wrap(xerrors.ErrTrackerUnreachable, err.Error())).Warn("tracker unreachable")
		return nil, DefaultInterval
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.WithField("status", resp.StatusCode).WithError(xerrors.ErrTrackerUnreachable).Warn("tracker returned non-200")
		return nil, DefaultInterval
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.WithError(err).Warn("failed to read tracker response body")
		return nil, DefaultInterval
	}

	top, err := bencode.Decode(body)
	if err != nil {
		c.log.WithError(err).Warn("failed to decode tracker response")
		return nil, DefaultInterval
	}

	if reason, ok := top.Get("failure reason"); ok {
		text, _ := reason.AsString()
		c.log.WithField("reason", text).WithError(xerrors.ErrTrackerRefused).Warn("tracker refused announce")
		return nil, DefaultInterval
	}

	interval := DefaultInterval
	if iv, ok := top.Get("interval"); ok {
		if n, err := iv.AsInt(); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}

	peersVal, ok := top.Get("peers")
	if !ok {
		return nil, interval
	}
	blob, err := peersVal.AsBytes()
	if err != nil {
		c.log.Warn("tracker peers field is not a byte string")
		return nil, interval
	}
	peers, err := peer.ParseCompact(blob)
	if err != nil {
		c.log.WithError(err).Warn("tracker returned malformed compact peer list")
		return nil, interval
	}
	return peers, interval
}

func (c *Client) buildURL(downloaded, uploaded, left int64, event Event) (string, error) {
	base, err := url.Parse(c.announce)
	if err != nil {
		return "", err
	}
	params := url.Values{
		"port":       []string{strconv.Itoa(int(c.port))},
		"uploaded":   []string{strconv.FormatInt(uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(downloaded, 10)},
		"left":       []string{strconv.FormatInt(left, 10)},
		"compact":    []string{"1"},
	}
	if event != EventNone {
		params.Set("event", string(event))
	}
	base.RawQuery = params.Encode()
	base.RawQuery += "&info_hash=" + percentEncode(c.infoHash[:])
	base.RawQuery += "&peer_id=" + percentEncode(c.peerID[:])
	return base.String(), nil
}

// percentEncode renders raw bytes as byte-wise %XX escapes, required for
// info_hash/peer_id since they are arbitrary binary, not text
// (grounded on the teacher's torrent.percentEncode).
func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	const hex = "0123456789ABCDEF"
	for _, v := range b {
		out = append(out, '%', hex[v>>4], hex[v&0xF])
	}
	return string(out)
}
