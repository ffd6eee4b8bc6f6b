//go:build !linux && !darwin

package redisx

// setReceiveBuffer is a no-op on platforms without a syscall.SetsockoptInt
// wired up here; the larger SO_RCVBUF is an optimization, not a correctness
// requirement.
func setReceiveBuffer(fd int, size int) error {
	return nil
}
