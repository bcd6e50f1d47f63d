// Package rotation holds the bookkeeping the key-exchange state machine
// needs around rotation: the bounded set of already-processed generations
// that prevents rotation ping-pong, and memory-wiping helpers for key
// buffers. The exchange state machine does not call the wiping helpers;
// superseded ephemeral keys are dropped, not zeroed.
package rotation

import "runtime"

// SecureZero overwrites a 32-byte key in place so it cannot be recovered
// from a subsequent memory dump. runtime.KeepAlive prevents the compiler
// from eliding the zeroing loop as dead code.
func SecureZero(key *[32]byte) {
	if key == nil {
		return
	}

	for i := range key {
		key[i] = 0
	}

	runtime.KeepAlive(key)
}

// ZeroSlice is SecureZero for variable-length byte slices.
func ZeroSlice(data []byte) {
	if len(data) == 0 {
		return
	}

	for i := range data {
		data[i] = 0
	}

	runtime.KeepAlive(data)
}

// VerifyZeroed reports whether every byte of key is zero. Intended for
// tests; checking this in production code can leak timing information.
func VerifyZeroed(key *[32]byte) bool {
	if key == nil {
		return false
	}

	for _, b := range key {
		if b != 0 {
			return false
		}
	}

	return true
}
