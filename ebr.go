// Package reap provides safe memory reclamation for lock-free and
// read-mostly data structures: epoch-based reclamation (EBR),
// quiescent-state-based reclamation (QSBR), and a deferred garbage
// collector built on top of EBR.
//
// Go already has a tracing collector, so "reclamation" here means
// scheduling: deciding when an unlinked node may be severed, returned
// to a freelist or pool, or have its destructor run, without a
// concurrent reader still holding a reference into it.
package reap

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

/*
Epoch-based reclamation. Reference:

	K. Fraser, Practical lock-freedom,
	Technical Report UCAM-CL-TR-579, February 2004

Any worker actively referencing globally visible objects must do so
between Enter and Exit. The grace period is tracked with a global
epoch counter that only takes the values 0, 1 and 2:

- Workers entering a critical section publish (epoch | active).
- Sync scans the workers. If every active worker has observed the
  current global epoch, the epoch advances.
- Objects retired while the global epoch was e can be reclaimed after
  two successful advances past e. Three epochs are enough (e, e-1,
  e-2), so the counter uses clock arithmetic.

See the comment in Sync for why e-2 is safe.
*/

// Epochs is the number of epoch values the global counter cycles
// through. Bins, tags and clock arithmetic are all modulo Epochs.
const Epochs = 3

// high bit of the local epoch word
const ebrActive = 0x80000000

// EBR is an epoch-based reclamation domain. Workers register
// themselves and bracket read-side critical sections with Enter and
// Exit on their handle; a single writer drives Sync.
type EBR struct {
	global atomic.Uint32
	_      cpu.CacheLinePad

	mu   sync.Mutex // guards insertion/removal, not the scan
	head atomic.Pointer[EBRWorker]
}

// EBRWorker is a per-worker slot. A handle belongs to the goroutine
// that registered it and must not be shared.
type EBRWorker struct {
	local atomic.Uint32
	_     cpu.CacheLinePad

	next atomic.Pointer[EBRWorker]
	ebr  *EBR
}

// NewEBR creates an empty reclamation domain.
func NewEBR() *EBR {
	return &EBR{}
}

// Destroy tears the domain down. All workers must have unregistered.
func (e *EBR) Destroy() {
	if e.head.Load() != nil {
		panic("reap: EBR destroyed with registered workers")
	}
}

// Register adds the calling worker to the domain and returns its
// slot handle.
func (e *EBR) Register() *EBRWorker {
	w := &EBRWorker{ebr: e}
	e.mu.Lock()
	w.next.Store(e.head.Load())
	e.head.Store(w)
	e.mu.Unlock()
	return w
}

// Unregister removes the slot from the domain. The worker must not
// be inside a critical section. The handle is dead afterwards.
func (w *EBRWorker) Unregister() {
	e := w.ebr
	e.mu.Lock()
	if e.head.Load() == w {
		e.head.Store(w.next.Load())
	} else {
		p := e.head.Load()
		for p != nil && p.next.Load() != w {
			p = p.next.Load()
		}
		if p != nil {
			p.next.Store(w.next.Load())
		}
	}
	e.mu.Unlock()
}

// Enter marks the entrance to the critical path: observe the global
// epoch and publish it with the active flag set. The store is
// sequentially consistent, so no load in the critical section can be
// reordered before the flag becomes visible.
func (w *EBRWorker) Enter() {
	w.local.Store(w.ebr.global.Load() | ebrActive)
}

// Exit marks the exit of the critical path. Everything done inside
// the section is globally visible before the flag clears.
func (w *EBRWorker) Exit() {
	if w.local.Load()&ebrActive == 0 {
		panic("reap: Exit without matching Enter")
	}
	w.local.Store(0)
}

// Sync attempts to announce a new global epoch. Calls must be
// serialised by the caller; the scan takes no lock. It reports
// whether a new epoch was announced, and in either case returns the
// epoch that is (or would next be) ready for reclamation. A
// successful Sync doubles as a full barrier for the caller.
func (e *EBR) Sync() (gcEpoch uint32, ready bool) {
	epoch := e.global.Load()

	// Did every active worker observe the current global epoch?
	for w := e.head.Load(); w != nil; w = w.next.Load() {
		local := w.local.Load()
		if local&ebrActive != 0 && local != epoch|ebrActive {
			return (epoch + 1) % Epochs, false
		}
	}

	// Announce the new global epoch, e. At this point:
	//
	// - Active workers are either still in their critical path in
	//   e-1 (they observed the previous global) or are entering a
	//   new one and observing e.
	//
	// - No active worker can hold a stale observation of e-2: it
	//   would have failed the scan of the previous successful Sync.
	//   Clock arithmetic keeps this ABA-free with just three values.
	//
	// - Therefore nothing still runs in e-2, and e-2 is ready for
	//   reclamation. With three epochs, e-2 == (e+1) mod 3.
	e.global.Store((epoch + 1) % Epochs)
	return (epoch + 2) % Epochs, true
}

// StagingEpoch returns the epoch objects retired right now belong to.
func (e *EBR) StagingEpoch() uint32 {
	return e.global.Load()
}

// GCEpoch returns the epoch that is ready for reclamation, i.e. the
// one whose objects are guaranteed unobservable.
func (e *EBR) GCEpoch() uint32 {
	return (e.global.Load() + 1) % Epochs
}
