package smb3

import (
	"context"
	"sync"
)

// multiThreadedBackend spawns one dedicated send goroutine and one
// dedicated receive goroutine per connection, grounded on go-smb2's
// conn.go runSender()/runReciever() pair (retrieved under
// _examples/other_examples/ as grounding only, never imported — see
// DESIGN.md). The send goroutine is the sole writer on the transport;
// the receive goroutine is the sole reader.
type multiThreadedBackend struct {
	transport Transport
	onFrame   func([]byte)

	sendCh  chan sendRequest
	recvCh  chan recvResult
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

type sendRequest struct {
	frame []byte
	errCh chan error
}

type recvResult struct {
	frame []byte
	err   error
}

// NewMultiThreadedBackend constructs the dedicated-goroutine Backend.
// queueDepth bounds the send channel (§5 Backpressure: "the send queue
// is bounded; when full, send blocks").
func NewMultiThreadedBackend(queueDepth int) Backend {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &multiThreadedBackend{
		sendCh: make(chan sendRequest, queueDepth),
		recvCh: make(chan recvResult, queueDepth),
		stopCh: make(chan struct{}),
	}
}

func (b *multiThreadedBackend) Start(transport Transport, onFrame func([]byte)) error {
	b.transport = transport
	b.onFrame = onFrame

	b.wg.Add(2)
	go b.runSender()
	go b.runReceiver()
	return nil
}

func (b *multiThreadedBackend) runSender() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case req := <-b.sendCh:
			err := b.transport.SendFrame(req.frame)
			req.errCh <- err
			if err != nil {
				return
			}
		}
	}
}

func (b *multiThreadedBackend) runReceiver() {
	defer b.wg.Done()
	for {
		frame, err := b.transport.RecvFrame()
		select {
		case <-b.stopCh:
			return
		default:
		}
		if err != nil {
			select {
			case b.recvCh <- recvResult{err: err}:
			case <-b.stopCh:
			}
			return
		}
		if b.onFrame != nil {
			b.onFrame(frame)
		}
		select {
		case b.recvCh <- recvResult{frame: frame}:
		case <-b.stopCh:
			return
		}
	}
}

func (b *multiThreadedBackend) EnqueueSend(frame []byte) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return wrapError("EnqueueSend", KindDisconnected, ErrDisconnected)
	}
	b.mu.Unlock()

	errCh := make(chan error, 1)
	select {
	case b.sendCh <- sendRequest{frame: frame, errCh: errCh}:
	case <-b.stopCh:
		return wrapError("EnqueueSend", KindDisconnected, ErrDisconnected)
	}
	select {
	case err := <-errCh:
		return err
	case <-b.stopCh:
		return wrapError("EnqueueSend", KindDisconnected, ErrDisconnected)
	}
}

func (b *multiThreadedBackend) RecvNext(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, wrapError("RecvNext", KindCancelled, ctx.Err())
	case r := <-b.recvCh:
		return r.frame, r.err
	case <-b.stopCh:
		return nil, wrapError("RecvNext", KindDisconnected, ErrDisconnected)
	}
}

func (b *multiThreadedBackend) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	var err error
	if b.transport != nil {
		err = b.transport.Close()
	}
	b.wg.Wait()
	return err
}
