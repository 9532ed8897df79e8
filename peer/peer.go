// Package peer implements the Peer Session of spec.md §4.4: a TCP
// connection to one remote, running the handshake and wire message loop
// and feeding accepted blocks into a Piece Manager.
//
// Grounded on the teacher's peer/peer.go (Peer/Handshake/Client) and
// torrent/torrent.go's startDownloadWorker/attemptToDownloadPiece request
// pipelining, generalized from the teacher's single-piece-at-a-time worker
// into the request-pipeline state machine of spec.md §4.4, and
// cross-checked against original_source/peer.py's PeerConnection.
package peer

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gorent/gorent/internal/xerrors"
)

// Peer is a remote endpoint as advertised by a tracker or the DHT.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// ParseCompact decodes a tracker's compact peer list: a byte string whose
// length is a multiple of 6, each record {4-byte IPv4, 2-byte port}
// (spec.md §4.5).
func ParseCompact(blob []byte) ([]Peer, error) {
	const recordSize = 6
	if len(blob)%recordSize != 0 {
		return nil, errors.Wrap(xerrors.ErrMalformedMetainfo, "compact peer list length not a multiple of 6")
	}
	n := len(blob) / recordSize
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		off := i * recordSize
		ip := make(net.IP, 4)
		copy(ip, blob[off:off+4])
		peers[i] = Peer{
			IP:   ip,
			Port: binary.BigEndian.Uint16(blob[off+4 : off+6]),
		}
	}
	return peers, nil
}

// ParseCompactNodes decodes a DHT compact node list: 26-byte records
// {20-byte id, 4-byte IPv4, 2-byte port} (spec.md §4.6).
func ParseCompactNodes(blob []byte) ([]CompactNode, error) {
	const recordSize = 26
	if len(blob)%recordSize != 0 {
		return nil, errors.Wrap(xerrors.ErrMalformedMetainfo, "compact node list length not a multiple of 26")
	}
	n := len(blob) / recordSize
	nodes := make([]CompactNode, n)
	for i := 0; i < n; i++ {
		off := i * recordSize
		copy(nodes[i].ID[:], blob[off:off+20])
		ip := make(net.IP, 4)
		copy(ip, blob[off+20:off+24])
		nodes[i].Peer = Peer{IP: ip, Port: binary.BigEndian.Uint16(blob[off+24 : off+26])}
	}
	return nodes, nil
}

// CompactNode is one DHT routing-table entry: a node id plus its endpoint.
type CompactNode struct {
	ID   [20]byte
	Peer Peer
}
