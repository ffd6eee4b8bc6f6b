// Package repl implements the master↔replica replication protocol: the
// master-side Server that tracks attached replicas and coordinates WAIT,
// and the replica-side Handshake that drives the connection to a master
// through full resync into streaming command application.
package repl

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"redisd/internal/resp"
)

// Server is the master-side replication state: the process-wide singleton
// of spec.md §3 (replicas, wait_state, master_replid, master_repl_offset),
// minus the connection-scoped fields REDESIGN FLAG 1 moves onto
// engine.Conn.
type Server struct {
	replID string
	offset atomic.Int64

	mu       sync.Mutex
	replicas []*Replica
	nextID   int
	wait     *waitState
}

// Replica is a master's handle on one attached replica connection.
type Replica struct {
	id     int
	conn   net.Conn
	writer *FlowWriter
	ack    atomic.Int64
}

type waitState struct {
	goal    int
	ackN    int
	done    chan int
	resolve sync.Once
}

// NewServer creates a master-role replication server with a freshly
// generated 40-hex-character replication id.
func NewServer() *Server {
	return &Server{replID: randomReplID()}
}

func randomReplID() string {
	buf := make([]byte, 20)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ReplID returns the fixed-for-lifetime master replication id.
func (s *Server) ReplID() string { return s.replID }

// Offset returns the current master_repl_offset.
func (s *Server) Offset() int64 { return s.offset.Load() }

// ReplicaCount returns the number of currently attached replicas.
func (s *Server) ReplicaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replicas)
}

// AddReplica registers conn as a replica, starting its async flow writer.
// Called once a PSYNC handshake completes and the RDB payload has been
// sent.
func (s *Server) AddReplica(conn net.Conn) *Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r := &Replica{id: s.nextID, conn: conn, writer: NewFlowWriter(s.nextID, conn)}
	s.replicas = append(s.replicas, r)
	return r
}

// RemoveReplica detaches a replica connection, e.g. after an I/O error. A
// WAIT in progress simply continues with the reduced fleet size.
func (s *Server) RemoveReplica(r *Replica) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rr := range s.replicas {
		if rr == r {
			s.replicas = append(s.replicas[:i], s.replicas[i+1:]...)
			break
		}
	}
	r.writer.Close()
}

// Propagate forwards the exact inbound frame bytes to every attached
// replica and advances master_repl_offset by the frame's length. Preserve
// verbatim propagation: this is what keeps master and replica byte offsets
// in lockstep (spec.md §9). A replica whose FlowWriter cannot keep up force-
// disconnects itself (FlowWriter.Enqueue) rather than silently dropping a
// frame and drifting; such a replica is pruned from the fleet immediately
// after so a stale entry isn't counted toward WAIT or handed any more
// frames it can only drop.
func (s *Server) Propagate(frame []byte) {
	s.mu.Lock()
	replicas := append([]*Replica(nil), s.replicas...)
	s.mu.Unlock()

	for _, r := range replicas {
		r.writer.Enqueue(frame)
	}
	s.offset.Add(int64(len(frame)))

	for _, r := range replicas {
		if r.writer.Stalled() {
			s.RemoveReplica(r)
		}
	}
}

// HandleReplconfAck records a replica's reported offset. It reports
// whether the reply to the replica must be suppressed: true while a WAIT
// is outstanding (the ACK is consumed internally by the counter), false
// otherwise (the caller should reply +OK per spec.md §4.5).
func (s *Server) HandleReplconfAck(r *Replica, offset int64) (suppress bool) {
	r.ack.Store(offset)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wait == nil {
		return false
	}
	s.wait.ackN++
	if s.wait.ackN >= s.wait.goal {
		ws := s.wait
		ws.resolve.Do(func() { ws.done <- ws.ackN })
	}
	return true
}

// Wait implements the WAIT command: block the caller's connection
// goroutine (not the shared mutex) until either n replicas have
// acknowledged or timeoutMS elapses.
func (s *Server) Wait(n int, timeoutMS int64) int {
	if n <= 0 {
		return 0
	}

	s.mu.Lock()
	if s.offset.Load() == 0 {
		count := len(s.replicas)
		s.mu.Unlock()
		return count
	}
	replicas := append([]*Replica(nil), s.replicas...)
	ws := &waitState{goal: n, done: make(chan int, 1)}
	s.wait = ws
	s.mu.Unlock()

	getack := resp.CommandArray("REPLCONF", "GETACK", "*")
	for _, r := range replicas {
		r.writer.Enqueue(getack)
	}
	s.offset.Add(int64(len(getack)))

	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()

	var result int
	select {
	case result = <-ws.done:
	case <-timer.C:
		s.mu.Lock()
		result = ws.ackN
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.wait == ws {
		s.wait = nil
	}
	s.mu.Unlock()
	return result
}
