package reap

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"unsafe"
)

/*
An epoch-protected hash map, as a worked consumer of the reclaimer:

- Readers traverse the bucket chains lock-free, inside an EBR
  critical section. They may walk straight through a node that a
  writer unlinked a moment ago; the grace period keeps the node and
  its links intact for as long as that can happen.
- Writers serialise on a mutex. They replace or unlink nodes with
  single pointer stores, retire the old node through the limbo list,
  and drive a reclamation cycle while they still hold the lock. The
  mutex doubles as the single-syncer guarantee Cycle wants.
- Reclaimed nodes get their links and value cleared and are counted;
  a freelist-backed map would recycle them here instead.
*/

type mapNode struct {
	key   string
	value any
	next  atomic.Pointer[mapNode]
	entry Entry
}

// Map is a string-keyed concurrent map with lock-free readers.
// The zero value is not usable; see NewMap.
type Map struct {
	gc   *GC
	seed maphash.Seed

	mu      sync.Mutex // serialises writers, and thereby Cycle
	buckets []atomic.Pointer[mapNode]
	size    atomic.Int64
	reaped  atomic.Int64
}

// NewMap creates a map with the given number of buckets.
func NewMap(nbuckets int) *Map {
	if nbuckets <= 0 {
		nbuckets = 64
	}
	m := &Map{
		seed:    maphash.MakeSeed(),
		buckets: make([]atomic.Pointer[mapNode], nbuckets),
	}
	m.gc = NewGC(unsafe.Offsetof(mapNode{}.entry), m.reclaimNodes, nil)
	return m
}

// Register adds the calling reader to the map's reclamation domain.
// Load and Range take the returned handle.
func (m *Map) Register() *EBRWorker {
	return m.gc.Register()
}

func (m *Map) bucket(key string) *atomic.Pointer[mapNode] {
	h := maphash.String(m.seed, key)
	return &m.buckets[h%uint64(len(m.buckets))]
}

// Load returns the value stored under key, if any.
func (m *Map) Load(w *EBRWorker, key string) (value any, ok bool) {
	w.Enter()
	for p := m.bucket(key).Load(); p != nil; p = p.next.Load() {
		if p.key == key {
			value, ok = p.value, true
			break
		}
	}
	w.Exit()
	return
}

// Store inserts or replaces the value under key. Replacement swaps
// the node in place, so readers never observe the key absent.
func (m *Map) Store(key string, value any) {
	n := &mapNode{key: key, value: value}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.bucket(key)
	for p := prev.Load(); p != nil; p = p.next.Load() {
		if p.key == key {
			n.next.Store(p.next.Load())
			prev.Store(n)
			m.retire(p)
			return
		}
		prev = &p.next
	}
	head := m.bucket(key)
	n.next.Store(head.Load())
	head.Store(n)
	m.size.Add(1)
}

// Delete removes the value under key and reports whether it existed.
func (m *Map) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.bucket(key)
	for p := prev.Load(); p != nil; p = p.next.Load() {
		if p.key == key {
			prev.Store(p.next.Load())
			m.size.Add(-1)
			m.retire(p)
			return true
		}
		prev = &p.next
	}
	return false
}

// Range calls f for a snapshot of the map's entries, outside the
// critical section so f may itself operate on the map.
func (m *Map) Range(w *EBRWorker, f func(key string, value any) bool) {
	type kv struct {
		k string
		v any
	}
	var snap []kv

	w.Enter()
	for i := range m.buckets {
		for p := m.buckets[i].Load(); p != nil; p = p.next.Load() {
			snap = append(snap, kv{p.key, p.value})
		}
	}
	w.Exit()

	for _, e := range snap {
		if !f(e.k, e.v) {
			break
		}
	}
}

// Len returns the number of live entries.
func (m *Map) Len() int {
	return int(m.size.Load())
}

// Reclaimed returns how many retired nodes have been reclaimed.
func (m *Map) Reclaimed() int64 {
	return m.reaped.Load()
}

// Drain blocks until every retired node has been reclaimed.
func (m *Map) Drain(msecRetry uint) {
	m.mu.Lock()
	m.gc.Full(msecRetry)
	m.mu.Unlock()
}

// retire hands an unlinked node to the reclaimer and runs one cycle.
// Caller holds m.mu.
func (m *Map) retire(n *mapNode) {
	m.gc.Limbo(unsafe.Pointer(n))
	m.gc.Cycle()
}

func (m *Map) reclaimNodes(head *Entry, _ any) {
	for e := head; e != nil; {
		next := e.Next()
		n := (*mapNode)(m.gc.Object(e))
		n.next.Store(nil)
		n.value = nil
		e.next = nil
		m.reaped.Add(1)
		e = next
	}
}
