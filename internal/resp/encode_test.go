package resp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncoders(t *testing.T) {
	tests := map[string]struct {
		got      []byte
		expected string
	}{
		"simple string":    {SimpleString("PONG"), "+PONG\r\n"},
		"simple error":     {SimpleError("ERR boom"), "-ERR boom\r\n"},
		"integer":          {Integer(42), ":42\r\n"},
		"negative integer": {Integer(-1), ":-1\r\n"},
		"null bulk":        {NullBulk(), "$-1\r\n"},
		"bulk string":      {BulkString([]byte("hello")), "$5\r\nhello\r\n"},
		"empty array":      {EmptyArray(), "*0\r\n"},
		"null array":       {NullArray(), "*-1\r\n"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.expected, string(tc.got))
		})
	}
}

func TestBulkStringCollapsesEmptyToNull(t *testing.T) {
	// Open Question 1: an empty-but-present string collapses to the null
	// bulk, the same as a missing value.
	require.Equal(t, "$-1\r\n", string(BulkString([]byte{})))
	require.Equal(t, "$-1\r\n", string(BulkString(nil)))
}

func TestArray(t *testing.T) {
	got := Array(BulkString([]byte("a")), BulkString([]byte("bc")))
	require.Equal(t, "*2\r\n$1\r\na\r\n$2\r\nbc\r\n", string(got))
}

func TestRawBlob(t *testing.T) {
	got := RawBlob([]byte("REDIS0011"))
	require.Equal(t, "$9\r\nREDIS0011", string(got))
}

func TestCommandArray(t *testing.T) {
	got := CommandArray("SET", "k", "v")
	require.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n", string(got))
}
