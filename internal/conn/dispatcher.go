// Package conn is the per-connection dispatcher: it owns the inbound byte
// buffer for one accepted socket, feeds it through internal/resp's streaming
// parser, routes each complete command frame to the engine, and writes
// replies back in arrival order. Grounded on the accept-loop/handleConnection
// shape common across the RESP-server reference examples, adapted to the
// buffer-retention streaming parser internal/resp provides instead of a
// blocking per-command reader.
package conn

import (
	"net"
	"sync/atomic"

	"redisd/internal/engine"
	"redisd/internal/logger"
	"redisd/internal/resp"
)

// nextConnID assigns each accepted connection a small, process-local id so
// log lines from concurrent connections can be told apart without printing
// full remote addresses everywhere.
var nextConnID int64

// Dispatcher drains one connection's inbound bytes into commands and writes
// back the engine's replies.
type Dispatcher struct {
	net  net.Conn
	eng  *engine.Engine
	conn *engine.Conn
	log  *logger.Context
}

// New wraps a just-accepted connection.
func New(netConn net.Conn, eng *engine.Engine) *Dispatcher {
	id := atomic.AddInt64(&nextConnID, 1)
	return &Dispatcher{
		net:  netConn,
		eng:  eng,
		conn: engine.NewConn(netConn),
		log:  logger.With(logger.Int64("conn_id", id), logger.Str("remote_addr", netConn.RemoteAddr().String())),
	}
}

// Serve reads and dispatches commands until the peer closes the connection
// or a malformed frame is seen, at which point it writes a simple-error
// reply and stops (spec.md §4.4/§7: a parse error is not recoverable within
// the byte stream, so the remaining buffered bytes are discarded).
func (d *Dispatcher) Serve() {
	d.log.Debug("conn: accepted")
	defer func() {
		d.log.Debug("conn: closed")
		d.net.Close()
	}()

	var buf []byte
	chunk := make([]byte, 64*1024)
	for {
		n, err := d.net.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var perr error
			buf, perr = d.drain(buf)
			if perr != nil {
				d.log.Warn("conn: protocol error: %v", perr)
				d.net.Write(resp.SimpleError("ERR Protocol error: " + perr.Error()))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drain parses and executes every complete command frame in buf, writing
// each reply as soon as it is produced, and returns the unconsumed
// remainder.
func (d *Dispatcher) drain(buf []byte) ([]byte, error) {
	cmds, err := resp.ParseFrames(buf)
	if err != nil {
		return nil, err
	}
	consumed := 0
	for _, cmd := range cmds {
		raw := buf[consumed : consumed+cmd.Length]
		reply := d.eng.Execute(d.conn, cmd, raw)
		consumed += cmd.Length
		if reply == nil {
			continue
		}
		if _, werr := d.net.Write(reply); werr != nil {
			d.log.Warn("conn: write failed: %v", werr)
			return buf[consumed:], nil
		}
	}
	return append([]byte(nil), buf[consumed:]...), nil
}
