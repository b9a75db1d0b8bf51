// Package transport is the per-peer byte pipe: a lazily-dialed TCP
// connection with a reconnect-and-retry writer, framed with the 8-byte
// little-endian size prefix spec.md §6 defines. Sends are fire-and-forget;
// replob's vote/commit quorum is the end-to-end acknowledgement, not this
// layer (spec.md §4.2).
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/membership"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("transport")
}

// maxFrameSize bounds a single frame's payload (spec.md §6, §8's
// boundary behavior: "reads above 10 MiB are rejected before allocation").
const maxFrameSize = 10 << 20

const (
	reconnectBackoff = 200 * time.Millisecond
	dialTimeout      = 2 * time.Second
	outboxCapacity   = 256
)

// NetworkError wraps a transient I/O failure; the writer retries after
// reconnecting (spec.md §7).
type NetworkError struct {
	reason string
}

func (e *NetworkError) Error() string { return fmt.Sprintf("transport: network error: %s", e.reason) }

// DisconnectedError means the peer was administratively disconnected;
// unlike NetworkError this is terminal (spec.md §4.2, §7).
type DisconnectedError struct {
	Peer membership.NodeId
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("transport: peer %d disconnected", e.Peer)
}

// Peer is a lazily-connected byte pipe to one node, with its own
// reconnect loop running as a journey (ground on cluster.RemoteNode's
// lazy-dial-and-mark-down pattern, generalized to a retrying writer
// instead of request/response).
type Peer struct {
	id     membership.NodeId
	ep     membership.Endpoint
	outbox chan []byte

	mu           sync.Mutex
	conn         net.Conn
	disconnected bool
}

// NewPeer creates the pipe and starts its writer journey on sched.
func NewPeer(sched *journey.Scheduler, id membership.NodeId, ep membership.Endpoint) *Peer {
	p := &Peer{
		id:     id,
		ep:     ep,
		outbox: make(chan []byte, outboxCapacity),
	}
	journey.Spawn(sched, "transport-writer", func(j *journey.Journey) {
		p.writerLoop()
	})
	return p
}

// Send enqueues payload for delivery; returns DisconnectedError if the
// peer has been administratively disconnected, NetworkError if the
// outbox is saturated (the caller's own backpressure signal). A nil
// return does not guarantee delivery -- only replob's quorum does.
func (p *Peer) Send(payload []byte) error {
	p.mu.Lock()
	disconnected := p.disconnected
	p.mu.Unlock()
	if disconnected {
		return &DisconnectedError{Peer: p.id}
	}
	select {
	case p.outbox <- payload:
		return nil
	default:
		return &NetworkError{reason: "outbox saturated"}
	}
}

// Disconnect tears down the connection permanently; further Sends fail.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	p.disconnected = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	logger.Infof("peer %d disconnected", p.id)
}

func (p *Peer) writerLoop() {
	for payload := range p.outbox {
		for {
			p.mu.Lock()
			done := p.disconnected
			p.mu.Unlock()
			if done {
				break
			}
			conn, err := p.ensureConn()
			if err != nil {
				logger.Debugf("peer %d dial failed: %v", p.id, err)
				time.Sleep(reconnectBackoff)
				continue
			}
			if err := writeFrame(conn, payload); err != nil {
				logger.Debugf("peer %d write failed: %v", p.id, err)
				p.resetConn()
				time.Sleep(reconnectBackoff)
				continue
			}
			break
		}
	}
}

func (p *Peer) ensureConn() (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := net.DialTimeout("tcp", p.ep.String(), dialTimeout)
	if err != nil {
		return nil, &NetworkError{reason: err.Error()}
	}
	p.conn = conn
	return conn, nil
}

func (p *Peer) resetConn() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func writeFrame(conn net.Conn, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("transport: payload of %d bytes exceeds frame limit", len(payload))
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, uint64(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return &NetworkError{reason: err.Error()}
	}
	if _, err := conn.Write(payload); err != nil {
		return &NetworkError{reason: err.Error()}
	}
	return nil
}

// ReadFrame reads one size-prefixed payload from conn, rejecting an
// oversized frame before allocating its buffer.
func ReadFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint64(header)
	if size > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds %d byte limit", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
