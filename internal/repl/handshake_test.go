package repl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"redisd/internal/resp"
)

func TestApplyChunkAdvancesOffsetByFrameLength(t *testing.T) {
	var offset int64
	var applied []string

	apply := func(cmd resp.Command, raw []byte) ([]byte, error) {
		applied = append(applied, cmd.Name)
		return nil, nil
	}
	write := func(b []byte) (int, error) { return len(b), nil }

	frame1 := resp.CommandArray("SET", "k", "v")
	frame2 := resp.CommandArray("INCR", "ctr")
	buf := append(append([]byte{}, frame1...), frame2...)

	remaining, err := applyChunk(buf, apply, &offset, write)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Equal(t, int64(len(frame1)+len(frame2)), offset)
	require.Equal(t, []string{"SET", "INCR"}, applied)
}

func TestApplyChunkRetainsPartialFrame(t *testing.T) {
	var offset int64
	apply := func(cmd resp.Command, raw []byte) ([]byte, error) { return nil, nil }
	write := func(b []byte) (int, error) { return len(b), nil }

	full := resp.CommandArray("PING")
	partial := full[:len(full)-2] // drop trailing CRLF of the bulk payload

	remaining, err := applyChunk(partial, apply, &offset, write)
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)
	require.Equal(t, partial, remaining)
}

func TestApplyChunkWritesReplconfReply(t *testing.T) {
	var offset int64
	var written []byte
	apply := func(cmd resp.Command, raw []byte) ([]byte, error) {
		if cmd.Name == "REPLCONF" {
			return resp.CommandArray("REPLCONF", "ACK", "0"), nil
		}
		return nil, nil
	}
	write := func(b []byte) (int, error) {
		written = append(written, b...)
		return len(b), nil
	}

	frame := resp.CommandArray("REPLCONF", "GETACK", "*")
	_, err := applyChunk(frame, apply, &offset, write)
	require.NoError(t, err)
	require.Equal(t, resp.CommandArray("REPLCONF", "ACK", "0"), written)
}
