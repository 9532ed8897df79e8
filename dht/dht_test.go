package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/bencode"
)

// fakeNode answers exactly one get_peers query with a fixed compact peer
// list, mimicking a well-behaved remote DHT node without needing a second
// *Client (avoids exercising bootstrap/BootstrapNodes DNS in tests).
func fakeNode(t *testing.T, peers []byte) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 1024)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := bencode.Decode(buf[:n])
		if err != nil {
			return
		}
		tVal, _ := req.Get("t")
		tBytes, _ := tVal.AsBytes()

		resp := bencode.NewDict(map[string]*bencode.Value{
			"t": bencode.NewBytes(tBytes),
			"y": bencode.NewString("r"),
			"r": bencode.NewDict(map[string]*bencode.Value{
				"id":     bencode.NewBytes(make([]byte, 20)),
				"values": bencode.NewList(bencode.NewBytes(peers)),
			}),
		})
		conn.WriteToUDP(bencode.Encode(resp), addr)
	}()
	return conn
}

func TestGetPeersParsesValues(t *testing.T) {
	remote := fakeNode(t, []byte{127, 0, 0, 1, 0x1A, 0xE1})
	defer remote.Close()

	c, err := NewClient(0, nil)
	require.NoError(t, err)
	defer c.Close()

	addr := remote.LocalAddr().(*net.UDPAddr)
	result, ok := c.getPeers(context.Background(), addr, [20]byte{1, 2, 3})
	require.True(t, ok)
	require.Len(t, result.peers, 1)
	assert.Equal(t, "127.0.0.1", result.peers[0].IP.String())
}

func TestQueryTimesOutWithNoResponder(t *testing.T) {
	c, err := NewClient(0, nil)
	require.NoError(t, err)
	defer c.Close()

	dead, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	addr := dead.LocalAddr().(*net.UDPAddr)
	dead.Close() // nobody is listening; the remote has gone silent

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := c.query(ctx, addr, "ping", map[string]*bencode.Value{"id": bencode.NewBytes(make([]byte, 20))})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), QueryTimeout) // bounded by ctx, not the full 4s
}

func TestFindNodeParsesCompactNodes(t *testing.T) {
	nodeBlob := make([]byte, 26)
	nodeBlob[20], nodeBlob[21], nodeBlob[22], nodeBlob[23] = 10, 0, 0, 1
	nodeBlob[24], nodeBlob[25] = 0x1A, 0xE1

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()
	go func() {
		buf := make([]byte, 1024)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, _ := bencode.Decode(buf[:n])
		tVal, _ := req.Get("t")
		tBytes, _ := tVal.AsBytes()
		resp := bencode.NewDict(map[string]*bencode.Value{
			"t": bencode.NewBytes(tBytes),
			"y": bencode.NewString("r"),
			"r": bencode.NewDict(map[string]*bencode.Value{
				"id":    bencode.NewBytes(make([]byte, 20)),
				"nodes": bencode.NewBytes(nodeBlob),
			}),
		})
		conn.WriteToUDP(bencode.Encode(resp), addr)
	}()

	c, err := NewClient(0, nil)
	require.NoError(t, err)
	defer c.Close()

	addr := conn.LocalAddr().(*net.UDPAddr)
	nodes := c.findNode(context.Background(), addr, c.nodeID)
	require.Len(t, nodes, 1)
	assert.Equal(t, "10.0.0.1", nodes[0].Peer.IP.String())
}
