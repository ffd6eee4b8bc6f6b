package repl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"redisd/internal/logger"
	"redisd/internal/rdb"
	"redisd/internal/redisx"
	"redisd/internal/resp"
)

// Status reports the outcome of one handshake stage. Grounded on the
// teacher's internal/pipeline.Stage/Result shape.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is the outcome of one Stage.
type Result struct {
	Status  Status
	Message string
}

// Stage is one named step of the replica-side handshake.
type Stage interface {
	Name() string
	Run(ctx *HandshakeContext) Result
}

// Applier applies one replicated command to the local store and returns
// the bytes of any reply owed to the master (only REPLCONF requires one;
// every other applied command is silent).
type Applier func(cmd resp.Command, rawFrame []byte) (reply []byte, err error)

// HandshakeContext threads the outbound master connection and shared
// replica state through each stage.
type HandshakeContext struct {
	Ctx    context.Context
	Client *redisx.Client
	Port   int
	Apply  Applier
	Snap   *rdb.Snapshot
	ReplID string
	Offset int64

	// OnSnapshot, if set, is invoked once the FILE-TRANSFER stage parses the
	// RDB payload — the caller's hook to hydrate its own store before the
	// STREAMING stage (which blocks for the connection's lifetime) begins.
	OnSnapshot func(*rdb.Snapshot)

	fullresyncLine string
}

// Handshake runs the ordered PING → REPLCONF-PORT → REPLCONF-CAPA → PSYNC
// → FULLRESYNC → FILE-TRANSFER → STREAMING pipeline against a master.
type Handshake struct {
	stages []Stage
}

// NewHandshake builds the standard stage sequence.
func NewHandshake() *Handshake {
	return &Handshake{stages: []Stage{
		pingStage{},
		replconfPortStage{},
		replconfCapaStage{},
		psyncStage{},
		fullresyncStage{},
		fileTransferStage{},
		streamingStage{},
	}}
}

// Run executes every stage in order, stopping at the first failure.
func (h *Handshake) Run(hctx *HandshakeContext) error {
	for _, stage := range h.stages {
		logger.Info("repl: handshake stage %s starting", stage.Name())
		result := stage.Run(hctx)
		if result.Status == StatusFailed {
			return fmt.Errorf("repl: handshake stage %s failed: %s", stage.Name(), result.Message)
		}
		logger.Info("repl: handshake stage %s complete", stage.Name())
	}
	return nil
}

type pingStage struct{}

func (pingStage) Name() string { return "PING" }
func (pingStage) Run(hctx *HandshakeContext) Result {
	reply, err := hctx.Client.Do("PING")
	if err != nil {
		return Result{StatusFailed, err.Error()}
	}
	if s, _ := redisx.ToString(reply); !strings.EqualFold(s, "PONG") {
		return Result{StatusFailed, fmt.Sprintf("unexpected PING reply %v", reply)}
	}
	return Result{Status: StatusSuccess}
}

type replconfPortStage struct{}

func (replconfPortStage) Name() string { return "REPLCONF-PORT" }
func (replconfPortStage) Run(hctx *HandshakeContext) Result {
	_, err := hctx.Client.Do("REPLCONF", "listening-port", strconv.Itoa(hctx.Port))
	if err != nil {
		return Result{StatusFailed, err.Error()}
	}
	return Result{Status: StatusSuccess}
}

type replconfCapaStage struct{}

func (replconfCapaStage) Name() string { return "REPLCONF-CAPA" }
func (replconfCapaStage) Run(hctx *HandshakeContext) Result {
	_, err := hctx.Client.Do("REPLCONF", "capa", "psync2")
	if err != nil {
		return Result{StatusFailed, err.Error()}
	}
	return Result{Status: StatusSuccess}
}

type psyncStage struct{}

func (psyncStage) Name() string { return "PSYNC" }
func (psyncStage) Run(hctx *HandshakeContext) Result {
	// PSYNC's reply is the +FULLRESYNC line, consumed by the next stage;
	// Do() already parses that simple string for us.
	reply, err := hctx.Client.Do("PSYNC", "?", "-1")
	if err != nil {
		return Result{StatusFailed, err.Error()}
	}
	line, ok := reply.(string)
	if !ok {
		return Result{StatusFailed, fmt.Sprintf("unexpected PSYNC reply %v", reply)}
	}
	hctx.fullresyncLine = line
	return Result{Status: StatusSuccess}
}

type fullresyncStage struct{}

func (fullresyncStage) Name() string { return "FULLRESYNC" }
func (fullresyncStage) Run(hctx *HandshakeContext) Result {
	parts := strings.Fields(hctx.fullresyncLine)
	if len(parts) != 3 || !strings.EqualFold(parts[0], "FULLRESYNC") {
		return Result{StatusFailed, fmt.Sprintf("malformed FULLRESYNC line %q", hctx.fullresyncLine)}
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Result{StatusFailed, fmt.Sprintf("malformed FULLRESYNC offset %q", parts[2])}
	}
	hctx.ReplID = parts[1]
	hctx.Offset = offset
	return Result{Status: StatusSuccess}
}

type fileTransferStage struct{}

func (fileTransferStage) Name() string { return "FILE-TRANSFER" }
func (fileTransferStage) Run(hctx *HandshakeContext) Result {
	sizeLine, err := readRawLine(hctx.Client)
	if err != nil {
		return Result{StatusFailed, err.Error()}
	}
	if len(sizeLine) == 0 || sizeLine[0] != '$' {
		return Result{StatusFailed, fmt.Sprintf("expected $<len> RDB header, got %q", sizeLine)}
	}
	size, err := strconv.Atoi(sizeLine[1:])
	if err != nil {
		return Result{StatusFailed, fmt.Sprintf("malformed RDB length %q", sizeLine[1:])}
	}
	payload := make([]byte, size)
	if err := readFull(hctx.Client, payload); err != nil {
		return Result{StatusFailed, err.Error()}
	}
	snap, err := rdb.ReadBytes(payload)
	if err != nil {
		return Result{StatusFailed, fmt.Sprintf("parsing RDB payload: %v", err)}
	}
	hctx.Snap = snap
	if hctx.OnSnapshot != nil {
		hctx.OnSnapshot(snap)
	}
	return Result{Status: StatusSuccess}
}

type streamingStage struct{}

func (streamingStage) Name() string { return "STREAMING" }
func (streamingStage) Run(hctx *HandshakeContext) Result {
	var buf []byte
	chunk := make([]byte, 64*1024)
	for {
		select {
		case <-hctx.Ctx.Done():
			return Result{Status: StatusSuccess, Message: "context canceled"}
		default:
		}

		// A bounded deadline keeps this loop responsive to ctx cancellation
		// even when the master goes quiet; a timeout here is not a
		// streaming failure, just a cue to re-check hctx.Ctx.Done().
		_ = hctx.Client.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, err := hctx.Client.Read(chunk)
		if n > 0 {
			var perr error
			buf, perr = applyChunk(append(buf, chunk[:n]...), hctx.Apply, &hctx.Offset, hctx.Client.Write)
			if perr != nil {
				return Result{StatusFailed, perr.Error()}
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return Result{StatusFailed, err.Error()}
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// applyChunk drains every complete command frame out of buf, invoking
// apply for each and advancing *offset by its byte length, then returns
// the unconsumed remainder (a partial frame straddling the next read).
// Kept free of *redisx.Client so replication offset accounting can be
// unit tested against a plain byte sequence.
func applyChunk(buf []byte, apply Applier, offset *int64, write func([]byte) (int, error)) ([]byte, error) {
	cmds, err := resp.ParseFrames(buf)
	if err != nil {
		return nil, err
	}
	consumed := 0
	for _, cmd := range cmds {
		rawFrame := buf[consumed : consumed+cmd.Length]
		reply, aerr := apply(cmd, rawFrame)
		if aerr != nil {
			logger.Warn("repl: applying %s from master: %v", cmd.Name, aerr)
		}
		*offset += int64(cmd.Length)
		consumed += cmd.Length
		if reply != nil {
			if _, werr := write(reply); werr != nil {
				return nil, werr
			}
		}
	}
	return append([]byte(nil), buf[consumed:]...), nil
}

// readRawLine reads one CRLF-terminated line directly off the client's
// buffered connection (used only for the $<len> RDB transfer header,
// which the ordinary Do()/readReply path never sees since no command was
// sent to provoke it).
func readRawLine(c *redisx.Client) (string, error) {
	var b []byte
	one := make([]byte, 1)
	for {
		n, err := c.Read(one)
		if n == 1 {
			if one[0] == '\n' {
				if len(b) > 0 && b[len(b)-1] == '\r' {
					b = b[:len(b)-1]
				}
				return string(b), nil
			}
			b = append(b, one[0])
		}
		if err != nil {
			return "", err
		}
	}
}

func readFull(c *redisx.Client, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := c.Read(buf[read:])
		read += n
		if err != nil {
			return err
		}
	}
	return nil
}
