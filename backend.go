package smb3

import "context"

// Backend is the Worker Backend contract of §4.5: it owns the
// transport and drives send and receiving, without interpreting frame
// contents — that is the Connection Handler's job via onFrame.
//
// Three implementations share this contract (backend_single.go,
// backend_multi.go, backend_cooperative.go); the Connection is generic
// over which one it holds.
type Backend interface {
	// Start begins driving transport. onFrame is invoked once per
	// inbound frame with the raw wire bytes (still wrapped in any
	// TRANSFORM/COMPRESSION envelope); the Connection unwraps and
	// dispatches it. For BackendSingleThreaded, onFrame is only
	// invoked synchronously from within RecvNext/EnqueueSend, never
	// from a separate goroutine.
	Start(transport Transport, onFrame func([]byte)) error

	// EnqueueSend hands frame to the sole writer on the transport. It
	// fails with KindDisconnected once Stop has been called.
	EnqueueSend(frame []byte) error

	// RecvNext blocks until one inbound frame is available, or ctx is
	// done, or the backend has stopped. Most callers never call this
	// directly — it exists for the single-threaded backend's "each
	// send() drives the receive loop" model (§5) and for tests.
	RecvNext(ctx context.Context) ([]byte, error)

	// Stop is idempotent: it flushes/closes the transport, forces all
	// further EnqueueSend calls to fail with KindDisconnected, and
	// unblocks any RecvNext waiters with KindDisconnected.
	Stop() error
}
