package reap

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

/*
Quiescent-state-based reclamation.

Readers never mark critical sections. Instead each registered worker
periodically calls Checkpoint at a point where it holds no references
to reclaimable objects, e.g. after processing one request. The higher
the period, the coarser the reclamation granularity.

A writer makes the objects unreachable, then calls Barrier, which
bumps the global generation and returns it. The objects tied to that
generation are safe to reclaim once Sync reports that every worker has
checkpointed at or past it.

The interface is asynchronous: Sync never blocks, it only answers
"has the grace period elapsed yet". A worker that never checkpoints
stalls reclamation indefinitely; that is the caller's contract, not
a defended condition.

The generation counter is 64-bit and only increases; wrap-around is
not a practical concern at that width.
*/

// QSBR is a quiescent-state-based reclamation domain.
type QSBR struct {
	global atomic.Uint64
	_      cpu.CacheLinePad

	mu   sync.Mutex
	head atomic.Pointer[QSBRWorker]
}

// QSBRWorker is a per-worker slot holding the generation last
// observed at Checkpoint. A handle belongs to the goroutine that
// registered it and must not be shared.
type QSBRWorker struct {
	local atomic.Uint64
	_     cpu.CacheLinePad

	next atomic.Pointer[QSBRWorker]
	qs   *QSBR
}

// NewQSBR creates an empty reclamation domain.
func NewQSBR() *QSBR {
	q := &QSBR{}
	q.global.Store(1)
	return q
}

// Destroy tears the domain down. All workers must have unregistered.
func (q *QSBR) Destroy() {
	if q.head.Load() != nil {
		panic("reap: QSBR destroyed with registered workers")
	}
}

// Register adds the calling worker to the domain and returns its
// slot handle.
func (q *QSBR) Register() *QSBRWorker {
	w := &QSBRWorker{qs: q}
	q.mu.Lock()
	w.next.Store(q.head.Load())
	q.head.Store(w)
	q.mu.Unlock()
	return w
}

// Unregister removes the slot from the domain. The handle is dead
// afterwards.
func (w *QSBRWorker) Unregister() {
	q := w.qs
	q.mu.Lock()
	if q.head.Load() == w {
		q.head.Store(w.next.Load())
	} else {
		p := q.head.Load()
		for p != nil && p.next.Load() != w {
			p = p.next.Load()
		}
		if p != nil {
			p.next.Store(w.next.Load())
		}
	}
	q.mu.Unlock()
}

// Checkpoint declares a quiescent state: the worker holds no
// references to any reclaimable object. The sequentially consistent
// store makes the worker's prior stores globally visible before the
// declaration, so Checkpoint can be assumed to be a full barrier.
func (w *QSBRWorker) Checkpoint() {
	w.local.Store(w.qs.global.Load())
}

// Barrier starts a new generation and returns it. Objects made
// unreachable before the call are safe to reclaim once Sync returns
// true for the returned value. Concurrent Barrier calls are safe.
func (q *QSBR) Barrier() uint64 {
	return q.global.Add(1)
}

// Sync reports whether every registered worker has passed a
// quiescent point at or after the target generation. The calling
// worker checkpoints its own slot first so it cannot stall itself.
func (w *QSBRWorker) Sync(target uint64) bool {
	w.Checkpoint()

	for p := w.qs.head.Load(); p != nil; p = p.next.Load() {
		if p.local.Load() < target {
			return false
		}
	}
	return true
}
