package tracker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/bencode"
	"github.com/gorent/gorent/tracker"
)

func TestGeneratePeerIDShape(t *testing.T) {
	id := tracker.GeneratePeerID("GR")
	assert.Equal(t, "-GR0001-", string(id[:8]))
	for _, b := range id[8:] {
		assert.True(t, b >= '0' && b <= '9')
	}
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "started", q.Get("event"))
		assert.NotEmpty(t, q.Get("info_hash"))

		peers := []byte{127, 0, 0, 1, 0x1A, 0xE1}
		top := bencode.NewDict(map[string]*bencode.Value{
			"interval": bencode.NewInt(120),
			"peers":    bencode.NewBytes(peers),
		})
		w.Write(bencode.Encode(top))
	}))
	defer srv.Close()

	c := tracker.NewClient(srv.URL, [20]byte{1, 2, 3}, [20]byte{4, 5, 6}, 6881, nil)
	peers, interval := c.Announce(context.Background(), 0, 0, 100, tracker.EventStarted)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1", peers[0].IP.String())
	assert.Equal(t, 120e9, float64(interval))
}

func TestAnnounceOmitsEventOnPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("event"))
		top := bencode.NewDict(map[string]*bencode.Value{
			"peers": bencode.NewBytes(nil),
		})
		w.Write(bencode.Encode(top))
	}))
	defer srv.Close()

	c := tracker.NewClient(srv.URL, [20]byte{1}, [20]byte{2}, 6881, nil)
	_, interval := c.Announce(context.Background(), 0, 0, 100, tracker.EventNone)
	assert.Equal(t, tracker.DefaultInterval, interval)
}

func TestAnnounceNon200ReturnsDefaultInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := tracker.NewClient(srv.URL, [20]byte{1}, [20]byte{2}, 6881, nil)
	peers, interval := c.Announce(context.Background(), 0, 0, 0, tracker.EventNone)
	assert.Nil(t, peers)
	assert.Equal(t, tracker.DefaultInterval, interval)
}

func TestAnnounceTrackerRefusalReturnsEmptyPeersAndDefaultInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		top := bencode.NewDict(map[string]*bencode.Value{
			"failure reason": bencode.NewString("torrent not registered"),
			"interval":       bencode.NewInt(5), // must be ignored: a refusal always yields DefaultInterval
			"peers":          bencode.NewBytes([]byte{127, 0, 0, 1, 0x1A, 0xE1}),
		})
		w.Write(bencode.Encode(top))
	}))
	defer srv.Close()

	c := tracker.NewClient(srv.URL, [20]byte{1}, [20]byte{2}, 6881, nil)
	peers, interval := c.Announce(context.Background(), 0, 0, 0, tracker.EventNone)
	assert.Nil(t, peers)
	assert.Equal(t, tracker.DefaultInterval, interval)
}

func TestCloseReleasesIdleConnections(t *testing.T) {
	c := tracker.NewClient("http://127.0.0.1:1/announce", [20]byte{1}, [20]byte{2}, 6881, nil)
	assert.NotPanics(t, func() {
		c.Close()
		c.Close() // idempotent: a second Close must not panic
	})
}

func TestAnnounceUnreachableReturnsDefaultInterval(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1")
	c := tracker.NewClient(u.String(), [20]byte{1}, [20]byte{2}, 6881, nil)
	peers, interval := c.Announce(context.Background(), 0, 0, 0, tracker.EventNone)
	assert.Nil(t, peers)
	assert.Equal(t, tracker.DefaultInterval, interval)
}
