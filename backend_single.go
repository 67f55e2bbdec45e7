package smb3

import (
	"context"
	"sync"
)

// singleThreadedBackend drives send and receive inline on whichever
// goroutine calls EnqueueSend/RecvNext — the cooperative single-
// threaded regime of §4.5/§5: "each send drives the receive loop until
// its own reply arrives; other in-flight request slots are satisfied
// as a side effect." There is no dedicated goroutine at all.
type singleThreadedBackend struct {
	transport Transport
	onFrame   func([]byte)

	mu      sync.Mutex
	stopped bool
}

// NewSingleThreadedBackend constructs the single-threaded Backend.
func NewSingleThreadedBackend() Backend { return &singleThreadedBackend{} }

func (b *singleThreadedBackend) Start(transport Transport, onFrame func([]byte)) error {
	b.transport = transport
	b.onFrame = onFrame
	return nil
}

func (b *singleThreadedBackend) EnqueueSend(frame []byte) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return wrapError("EnqueueSend", KindDisconnected, ErrDisconnected)
	}
	b.mu.Unlock()

	if err := b.transport.SendFrame(frame); err != nil {
		return err
	}
	return nil
}

// RecvNext reads exactly one frame inline and also hands it to
// onFrame, matching the single-threaded model where the caller's own
// receive loop is the only receive loop there is.
func (b *singleThreadedBackend) RecvNext(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, wrapError("RecvNext", KindDisconnected, ErrDisconnected)
	}
	b.mu.Unlock()

	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := b.transport.RecvFrame()
		ch <- result{f, err}
	}()

	select {
	case <-ctx.Done():
		return nil, wrapError("RecvNext", KindCancelled, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if b.onFrame != nil {
			b.onFrame(r.frame)
		}
		return r.frame, nil
	}
}

func (b *singleThreadedBackend) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	if b.transport != nil {
		return b.transport.Close()
	}
	return nil
}
