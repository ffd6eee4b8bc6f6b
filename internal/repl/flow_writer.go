package repl

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"redisd/internal/logger"
)

// FlowWriter is the async, channel-buffered writer attached to one replica
// connection on the master side: propagated write frames are enqueued here
// rather than written inline by the connection dispatcher, so one slow or
// stalled replica cannot block command processing for any other
// connection. Grounded on the teacher's per-flow FlowWriter (batched
// channel writer plus a golang.org/x/time/rate limiter guarding burst
// writes), trimmed from batch-oriented RDB-entry delivery to raw-frame
// propagation.
type FlowWriter struct {
	id   int
	conn net.Conn

	frameCh chan []byte
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent      atomic.Int64
	dropped   atomic.Int64
	stalled   atomic.Bool
	closeOnce sync.Once
	lastErr   atomic.Value // error
}

// NewFlowWriter starts the background drain goroutine for conn.
func NewFlowWriter(id int, conn net.Conn) *FlowWriter {
	ctx, cancel := context.WithCancel(context.Background())
	fw := &FlowWriter{
		id:      id,
		conn:    conn,
		frameCh: make(chan []byte, 4096),
		limiter: rate.NewLimiter(rate.Inf, 0),
		ctx:     ctx,
		cancel:  cancel,
	}
	fw.wg.Add(1)
	go fw.drain()
	return fw
}

// SetRateLimit bounds sustained propagation throughput in bytes/sec, 0
// means unlimited.
func (fw *FlowWriter) SetRateLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		fw.limiter.SetLimit(rate.Inf)
		return
	}
	fw.limiter.SetLimit(rate.Limit(bytesPerSec))
	fw.limiter.SetBurst(bytesPerSec)
}

// Enqueue schedules frame for asynchronous delivery. It never blocks the
// caller: a full channel means the replica cannot keep up. Unlike the
// teacher's batched RDB-entry FlowWriter (which blocks on a full channel so
// no batch is ever missed), a dropped command frame here would leave this
// replica's applied offset permanently behind master_repl_offset with no
// way to resync mid-stream — so instead of silently dropping, a full
// channel force-disconnects the replica: its next PSYNC starts a fresh full
// resync at the master's current offset, which is the only way to recover
// offset consistency once a frame in the stream is lost (spec.md §8
// scenario 6).
func (fw *FlowWriter) Enqueue(frame []byte) {
	select {
	case fw.frameCh <- frame:
	default:
		fw.dropped.Add(1)
		fw.forceResync("channel full, dropping frame (%d bytes)", len(frame))
	}
}

// forceResync marks fw stalled, stops its drain goroutine, and closes the
// replica connection so the replica observes a connection error and must
// reconnect via a fresh PSYNC/FULLRESYNC rather than silently drifting.
func (fw *FlowWriter) forceResync(format string, args ...interface{}) {
	fw.stalled.Store(true)
	fw.closeOnce.Do(fw.cancel)
	fw.conn.Close()
	logger.With(logger.Int("replica_id", fw.id)).Warn("repl: forcing resync: "+format, args...)
}

// Stalled reports whether fw has force-disconnected its replica after a
// delivery failure. The master prunes a stalled replica from its fleet
// (internal/repl.Server.Propagate) rather than continuing to enqueue frames
// it will only drop.
func (fw *FlowWriter) Stalled() bool {
	return fw.stalled.Load()
}

func (fw *FlowWriter) drain() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.ctx.Done():
			return
		case frame := <-fw.frameCh:
			if err := fw.limiter.WaitN(fw.ctx, max(1, len(frame))); err != nil {
				return
			}
			if _, err := fw.conn.Write(frame); err != nil {
				fw.lastErr.Store(err)
				fw.stalled.Store(true)
				logger.With(logger.Int("replica_id", fw.id)).Warn("repl: write failed: %v", err)
				fw.conn.Close()
				return
			}
			fw.sent.Add(1)
		}
	}
}

// Err returns the error that stopped the drain loop, if any.
func (fw *FlowWriter) Err() error {
	v := fw.lastErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Close stops the drain goroutine. It does not close the underlying
// connection.
func (fw *FlowWriter) Close() {
	fw.closeOnce.Do(fw.cancel)
	fw.wg.Wait()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// waitDrained blocks until either the channel empties or timeout elapses,
// and reports whether it emptied. Nothing in the package calls it.
func (fw *FlowWriter) waitDrained(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(fw.frameCh) == 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return len(fw.frameCh) == 0
}
