package repl

import "encoding/hex"

// emptyRDBHex is the fixed 88-byte empty-snapshot payload sent after
// +FULLRESYNC. The RDB writer is out of scope (spec.md §1); this is the
// only payload a full resync ever transmits.
const emptyRDBHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

// EmptyRDB returns the fixed empty-snapshot payload.
func EmptyRDB() []byte {
	b, err := hex.DecodeString(emptyRDBHex)
	if err != nil {
		// emptyRDBHex is a compile-time constant; a decode failure here
		// would mean the literal itself was mistyped.
		panic("repl: malformed emptyRDBHex constant: " + err.Error())
	}
	return b
}
