// Package dht implements the minimal Kademlia-style UDP peer-discovery
// client of spec.md §4.6: KRPC queries over bencoded datagrams, a
// transaction-id-keyed pending-future map fed by one background reader, and
// an iterative find_node/get_peers lookup bounded by CONCURRENT_REQUESTS.
//
// The teacher ships no DHT code at all; this package is grounded entirely
// on original_source/dht.py, translated into Go's idiom: asyncio futures
// become buffered channels in a map guarded by a mutex, and the
// bounded-concurrency batch loop becomes a golang.org/x/sync/semaphore.Weighted
// of size CONCURRENT_REQUESTS feeding an errgroup-free manual WaitGroup
// (each lookup round is independent, so no error needs to abort the others).
package dht

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/gorent/gorent/bencode"
	"github.com/gorent/gorent/internal/xerrors"
	"github.com/gorent/gorent/peer"
)

// QueryTimeout is the per-query round-trip budget of spec.md §5.
const QueryTimeout = 4 * time.Second

// ConcurrentRequests bounds in-flight DHT queries per spec.md §5.
const ConcurrentRequests = 10

// BootstrapNodes are the well-known routers used to seed the routing table
// (spec.md §4.6).
var BootstrapNodes = []string{
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.bittorrent.com:6881",
}

// Client is a single-socket DHT node sufficient to look up peers for a
// known infohash. It does not serve incoming DHT queries.
type Client struct {
	conn   *net.UDPConn
	nodeID [20]byte
	log    *logrus.Entry

	mu      sync.Mutex
	pending map[[2]byte]chan *bencode.Value
}

// NewClient binds a UDP socket at port, falling back to an ephemeral port
// on bind failure (spec.md §4.6), and starts the background reader.
func NewClient(port int, log *logrus.Entry) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return nil, err
		}
	}

	var id [20]byte
	rand.Read(id[:])

	c := &Client{
		conn:    conn,
		nodeID:  id,
		log:     log,
		pending: make(map[[2]byte]chan *bencode.Value),
	}
	go c.readLoop()
	return c, nil
}

// Close releases the socket. Any queries awaiting a response time out on
// their own channel read rather than erroring immediately.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) readLoop() {
	buf := make([]byte, 1024)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		msg, err := bencode.Decode(buf[:n])
		if err != nil {
			continue // malformed packet, ignore
		}
		yVal, ok := msg.Get("y")
		if !ok {
			continue
		}
		y, err := yVal.AsString()
		if err != nil || y != "r" {
			continue // we do not serve incoming queries
		}
		tVal, ok := msg.Get("t")
		if !ok {
			continue
		}
		tBytes, err := tVal.AsBytes()
		if err != nil || len(tBytes) != 2 {
			continue
		}
		var tid [2]byte
		copy(tid[:], tBytes)

		r, ok := msg.Get("r")
		if !ok {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[tid]
		c.mu.Unlock()
		if !ok {
			continue // unmatched response, dropped
		}
		select {
		case ch <- r:
		default:
		}
	}
}

func (c *Client) query(ctx context.Context, addr *net.UDPAddr, queryType string, args map[string]*bencode.Value) (*bencode.Value, bool) {
	var tid [2]byte
	rand.Read(tid[:])

	ch := make(chan *bencode.Value, 1)
	c.mu.Lock()
	c.pending[tid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, tid)
		c.mu.Unlock()
	}()

	msg := bencode.NewDict(map[string]*bencode.Value{
		"t": bencode.NewBytes(tid[:]),
		"y": bencode.NewString("q"),
		"q": bencode.NewString(queryType),
		"a": bencode.NewDict(args),
	})
	if _, err := c.conn.WriteToUDP(bencode.Encode(msg), addr); err != nil {
		return nil, false
	}

	timer := time.NewTimer(QueryTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// findNode issues find_node(target) to addr, returning any compact nodes
// the remote reports.
func (c *Client) findNode(ctx context.Context, addr *net.UDPAddr, target [20]byte) []peer.CompactNode {
	r, ok := c.query(ctx, addr, "find_node", map[string]*bencode.Value{
		"id":     bencode.NewBytes(c.nodeID[:]),
		"target": bencode.NewBytes(target[:]),
	})
	if !ok {
		return nil
	}
	nodesVal, ok := r.Get("nodes")
	if !ok {
		return nil
	}
	blob, err := nodesVal.AsBytes()
	if err != nil {
		return nil
	}
	nodes, err := peer.ParseCompactNodes(blob)
	if err != nil {
		return nil
	}
	return nodes
}

// getPeersResult is either a set of peers or a set of closer nodes,
// mirroring get_peers's two possible response shapes (spec.md §4.6).
type getPeersResult struct {
	peers []peer.Peer
	nodes []peer.CompactNode
}

func (c *Client) getPeers(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte) (getPeersResult, bool) {
	r, ok := c.query(ctx, addr, "get_peers", map[string]*bencode.Value{
		"id":        bencode.NewBytes(c.nodeID[:]),
		"info_hash": bencode.NewBytes(infoHash[:]),
	})
	if !ok {
		return getPeersResult{}, false
	}

	if valuesVal, ok := r.Get("values"); ok {
		items, err := valuesVal.AsList()
		if err == nil {
			var peers []peer.Peer
			for _, item := range items {
				blob, err := item.AsBytes()
				if err != nil || len(blob) != 6 {
					continue
				}
				if parsed, err := peer.ParseCompact(blob); err == nil {
					peers = append(peers, parsed...)
				}
			}
			return getPeersResult{peers: peers}, true
		}
	}

	if nodesVal, ok := r.Get("nodes"); ok {
		blob, err := nodesVal.AsBytes()
		if err == nil {
			if nodes, err := peer.ParseCompactNodes(blob); err == nil {
				return getPeersResult{nodes: nodes}, true
			}
		}
	}

	return getPeersResult{}, true
}

// bootstrap populates an initial routing table by find_node-ing the
// well-known routers with our own id as target.
func (c *Client) bootstrap(ctx context.Context) []peer.CompactNode {
	var (
		mu    sync.Mutex
		nodes []peer.CompactNode
		wg    sync.WaitGroup
	)
	for _, host := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", host)
		if err != nil {
			c.log.WithField("host", host).WithError(err).Debug("could not resolve bootstrap node")
			continue
		}
		wg.Add(1)
		go func(addr *net.UDPAddr) {
			defer wg.Done()
			found := c.findNode(ctx, addr, c.nodeID)
			mu.Lock()
			nodes = append(nodes, found...)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()
	return nodes
}

// FindPeers runs the iterative lookup of spec.md §4.6: bootstrap, then pop
// up to ConcurrentRequests nodes at a time and issue get_peers to each
// concurrently, following any closer nodes the remotes report until the
// work queue drains.
func (c *Client) FindPeers(ctx context.Context, infoHash [20]byte) ([]peer.Peer, error) {
	seed := c.bootstrap(ctx)
	if len(seed) == 0 {
		return nil, xerrors.Recoverable("dht.FindPeers", xerrors.ErrDHTBootstrapFailed)
	}

	type addrKey string
	queried := make(map[addrKey]bool)
	queue := make([]peer.CompactNode, len(seed))
	copy(queue, seed)

	var foundPeers []peer.Peer
	seenPeer := make(map[string]bool)

	sem := semaphore.NewWeighted(ConcurrentRequests)

	for len(queue) > 0 {
		batchSize := ConcurrentRequests
		if batchSize > len(queue) {
			batchSize = len(queue)
		}
		batch := queue[:batchSize]
		queue = queue[batchSize:]

		results := make([]getPeersResult, len(batch))
		oks := make([]bool, len(batch))
		var wg sync.WaitGroup
		for i, node := range batch {
			key := addrKey(node.Peer.String())
			if queried[key] {
				continue
			}
			queried[key] = true

			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(i int, node peer.CompactNode) {
				defer wg.Done()
				defer sem.Release(1)
				addr := &net.UDPAddr{IP: node.Peer.IP, Port: int(node.Peer.Port)}
				r, ok := c.getPeers(ctx, addr, infoHash)
				results[i] = r
				oks[i] = ok
			}(i, node)
		}
		wg.Wait()

		for i, ok := range oks {
			if !ok {
				continue
			}
			for _, p := range results[i].peers {
				key := p.String()
				if !seenPeer[key] {
					seenPeer[key] = true
					foundPeers = append(foundPeers, p)
				}
			}
			for _, n := range results[i].nodes {
				if !queried[addrKey(n.Peer.String())] {
					queue = append(queue, n)
				}
			}
		}
	}

	return foundPeers, nil
}
