package stmtcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jackc/pgproto3/v2"
)

// Table is the per-BackendConn bounded LRU of currently-prepared global
// names (spec.md §3 "PreparedTable", §4.F). Presence of a name means a
// Parse for it has run on that backend and has not been Closed.
type Table struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	elems    map[string]*list.Element

	hits, misses int64
}

type entry struct {
	name     string
	lastUsed time.Time
}

// NewTable creates a PreparedTable bounded at capacity entries.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = 1
	}
	return &Table{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// Outcome describes what flushing a Parse onto a backend required.
type Outcome struct {
	Hit     bool     // already prepared on this backend
	Evicted []string // global names whose Close must be sent before the Parse, in order
}

// Prepare applies step 3 of spec.md §4.F: either this is already an LRU
// hit, or the table makes room (evicting the LRU entry if at capacity)
// and records the new name.
func (t *Table) Prepare(globalName string) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.elems[globalName]; ok {
		t.order.MoveToFront(el)
		el.Value.(*entry).lastUsed = time.Now()
		t.hits++
		return Outcome{Hit: true}
	}

	t.misses++
	var evicted []string
	for t.order.Len() >= t.capacity {
		back := t.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		t.order.Remove(back)
		delete(t.elems, victim.name)
		evicted = append(evicted, victim.name)
	}

	el := t.order.PushFront(&entry{name: globalName, lastUsed: time.Now()})
	t.elems[globalName] = el
	return Outcome{Evicted: evicted}
}

// Forget removes a name the server no longer has prepared.
func (t *Table) Forget(globalName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.elems[globalName]; ok {
		t.order.Remove(el)
		delete(t.elems, globalName)
	}
}

// Clear drops every tracked name, used after DISCARD ALL has run on the
// underlying backend (backend.Conn.DiscardAll, or a client's own DISCARD
// ALL in session mode).
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order.Init()
	t.elems = make(map[string]*list.Element)
}

// Size returns the number of names currently tracked, for SHOW STATS /
// prepare_cache_size (spec.md §4.F).
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// Stats returns cumulative hit/miss counters (prepare_cache_hit,
// prepare_cache_miss, spec.md §4.F).
func (t *Table) Stats() (hits, misses int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hits, t.misses
}

// CloseMessage renders the Close message for an evicted statement name.
func CloseMessage(globalName string) *pgproto3.Close {
	return &pgproto3.Close{ObjectType: 'S', Name: globalName}
}
