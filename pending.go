package smb3

import "sync"

// pendingState tags a PendingEntry with the two-reply quirk of
// asynchronous operations (§9 "Async-pending double-reply"): an entry
// starts Synchronous and, if a STATUS_PENDING reply with the async
// flag set arrives, becomes AsyncRegistered and is not removed from
// the table until the real final reply (matched by async id) arrives.
type pendingState int

const (
	pendingSynchronous pendingState = iota
	pendingAsyncRegistered
)

// Reply is what a PendingEntry's completion slot resolves with: either
// a decoded frame, or a terminal error.
type Reply struct {
	Header  *Header
	Payload []byte
	Err     error
}

// PendingEntry is a single-shot waiter for one outstanding message id.
// "Single-shot" is enforced by closing done exactly once, guarded by
// once.
type PendingEntry struct {
	messageID uint64
	credits   uint32 // credits reserved against the CreditWindow by this entry

	mu        sync.Mutex
	state     pendingState
	asyncID   uint64
	cancelled bool
	completed bool

	done chan Reply
}

func newPendingEntry(messageID uint64, credits uint32) *PendingEntry {
	return &PendingEntry{
		messageID: messageID,
		credits:   credits,
		done:      make(chan Reply, 1),
	}
}

// Wait blocks until the entry resolves.
func (e *PendingEntry) Wait() Reply {
	return <-e.done
}

// Done exposes the completion channel for select-based waiting
// (cooperative backends, timeout races).
func (e *PendingEntry) Done() <-chan Reply { return e.done }

// complete resolves the entry exactly once; subsequent calls are
// no-ops, preserving the "resolved exactly once" invariant (§9).
func (e *PendingEntry) complete(r Reply) {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return
	}
	e.completed = true
	e.mu.Unlock()
	e.done <- r
}

func (e *PendingEntry) markAsync(asyncID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = pendingAsyncRegistered
	e.asyncID = asyncID
}

func (e *PendingEntry) isAsyncRegistered() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.asyncID, e.state == pendingAsyncRegistered
}

func (e *PendingEntry) markCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return false
	}
	e.cancelled = true
	return true
}

// PendingTable maps outstanding message ids to their PendingEntry.
// It guards its maps with its own mutex, separate from the one
// CreditAllocator holds over the credit window and id allocator; the
// Connection and the tests drive it the same way.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*PendingEntry
	// asyncIndex maps async_id -> message_id for entries currently
	// AsyncRegistered, so a later reply matched by async id (not
	// message id) finds its entry.
	asyncIndex map[uint64]uint64
	metrics    *Metrics
}

func newPendingTable(metrics *Metrics) *PendingTable {
	return &PendingTable{
		entries:    make(map[uint64]*PendingEntry),
		asyncIndex: make(map[uint64]uint64),
		metrics:    metrics,
	}
}

// insert registers a new PendingEntry for messageID.
func (t *PendingTable) insert(messageID uint64, credits uint32) *PendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := newPendingEntry(messageID, credits)
	t.entries[messageID] = e
	t.metrics.setPendingTableSize(len(t.entries))
	return e
}

// completeFinal resolves and removes the entry for messageID (or for
// the message id registered under asyncID if it was AsyncRegistered).
// Returns the credits to reclaim and whether an entry was found.
func (t *PendingTable) completeFinal(messageID uint64, r Reply) (credits uint32, found bool) {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if ok {
		delete(t.entries, messageID)
		if asyncID, isAsync := e.isAsyncRegistered(); isAsync {
			delete(t.asyncIndex, asyncID)
		}
		t.metrics.setPendingTableSize(len(t.entries))
	}
	t.mu.Unlock()

	if !ok {
		return 0, false
	}
	e.complete(r)
	return e.credits, true
}

// completeFinalByAsyncID resolves the entry registered under asyncID
// (the real reply to a STATUS_PENDING-acknowledged async operation).
func (t *PendingTable) completeFinalByAsyncID(asyncID uint64, r Reply) (credits uint32, found bool) {
	t.mu.Lock()
	messageID, ok := t.asyncIndex[asyncID]
	if !ok {
		t.mu.Unlock()
		return 0, false
	}
	e := t.entries[messageID]
	delete(t.entries, messageID)
	delete(t.asyncIndex, asyncID)
	t.metrics.setPendingTableSize(len(t.entries))
	t.mu.Unlock()

	e.complete(r)
	return e.credits, true
}

// markInterimAsync marks messageID's entry AsyncRegistered without
// removing it from the table — the "interim / async pending" reply
// flavour of §4.4.
func (t *PendingTable) markInterimAsync(messageID, asyncID uint64) bool {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if ok {
		t.asyncIndex[asyncID] = messageID
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.markAsync(asyncID)
	return true
}

// cancel marks messageID's entry cancelled and resolves it with
// ErrCancelled, returning the async id to send SMB2_CANCEL for if the
// entry was AsyncRegistered (and whether it still existed at all).
func (t *PendingTable) cancel(messageID uint64) (asyncID uint64, wasAsync bool, found bool) {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if ok {
		delete(t.entries, messageID)
		if aid, isAsync := e.isAsyncRegistered(); isAsync {
			delete(t.asyncIndex, aid)
			asyncID, wasAsync = aid, true
		}
		t.metrics.setPendingTableSize(len(t.entries))
	}
	t.mu.Unlock()

	if !ok {
		return 0, false, false
	}
	if !e.markCancelled() {
		return asyncID, wasAsync, true
	}
	e.complete(Reply{Err: wrapError("cancel", KindCancelled, ErrCancelled)})
	return asyncID, wasAsync, true
}

// drain resolves every remaining entry with err and empties the table
// — used on fatal errors and on close() (§7 propagation, P7).
func (t *PendingTable) drain(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]*PendingEntry)
	t.asyncIndex = make(map[uint64]uint64)
	t.metrics.setPendingTableSize(0)
	t.mu.Unlock()

	for _, e := range entries {
		e.complete(Reply{Err: err})
	}
}

func (t *PendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
