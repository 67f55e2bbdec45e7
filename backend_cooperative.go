package smb3

import (
	"context"
	"sync"
)

// cooperativePool is the process-wide bounded goroutine pool shared by
// every cooperativeBackend instance, so that N connections never cost
// more than poolSize goroutines total (§4.5: "cooperative: a shared
// bounded worker pool drives receive for every connection registered
// with it, trading per-connection goroutines for a fixed-size pool").
type cooperativePool struct {
	work chan func()
	once sync.Once
	stop chan struct{}
}

func newCooperativePool(size int) *cooperativePool {
	if size <= 0 {
		size = 8
	}
	p := &cooperativePool{
		work: make(chan func(), size*4),
		stop: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *cooperativePool) worker() {
	for {
		select {
		case fn := <-p.work:
			fn()
		case <-p.stop:
			return
		}
	}
}

func (p *cooperativePool) submit(fn func()) {
	select {
	case p.work <- fn:
	case <-p.stop:
	}
}

var (
	defaultCooperativePool     *cooperativePool
	defaultCooperativePoolOnce sync.Once
)

func sharedCooperativePool() *cooperativePool {
	defaultCooperativePoolOnce.Do(func() {
		defaultCooperativePool = newCooperativePool(8)
	})
	return defaultCooperativePool
}

// cooperativeBackend drives receive by repeatedly resubmitting a
// single-shot receive task to a shared pool, rather than blocking a
// dedicated goroutine on the transport the way multiThreadedBackend
// does. Sends still happen inline on the caller's goroutine, since
// writes are comparatively quick and don't justify occupying a pool
// slot for their duration.
type cooperativeBackend struct {
	transport Transport
	onFrame   func([]byte)
	pool      *cooperativePool

	sendMu sync.Mutex

	recvCh chan recvResult
	stopCh chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewCooperativeBackend constructs a Backend driven by the shared
// bounded pool. Passing nil pool uses the package-wide default pool.
func NewCooperativeBackend(pool *cooperativePool) Backend {
	if pool == nil {
		pool = sharedCooperativePool()
	}
	return &cooperativeBackend{
		pool:   pool,
		recvCh: make(chan recvResult, 16),
		stopCh: make(chan struct{}),
	}
}

func (b *cooperativeBackend) Start(transport Transport, onFrame func([]byte)) error {
	b.transport = transport
	b.onFrame = onFrame
	b.scheduleRecv()
	return nil
}

// scheduleRecv submits one receive task to the shared pool. On
// success it immediately resubmits itself, so the connection always
// has exactly one outstanding receive task queued or running, never
// occupying a dedicated goroutine of its own.
func (b *cooperativeBackend) scheduleRecv() {
	b.pool.submit(func() {
		select {
		case <-b.stopCh:
			return
		default:
		}

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
			b.scheduleRecv()
		case <-b.stopCh:
		}
	})
}

func (b *cooperativeBackend) EnqueueSend(frame []byte) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return wrapError("EnqueueSend", KindDisconnected, ErrDisconnected)
	}
	b.mu.Unlock()

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return b.transport.SendFrame(frame)
}

func (b *cooperativeBackend) RecvNext(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, wrapError("RecvNext", KindCancelled, ctx.Err())
	case r := <-b.recvCh:
		return r.frame, r.err
	case <-b.stopCh:
		return nil, wrapError("RecvNext", KindDisconnected, ErrDisconnected)
	}
}

func (b *cooperativeBackend) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	if b.transport != nil {
		return b.transport.Close()
	}
	return nil
}
