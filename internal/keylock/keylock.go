// Package keylock serializes work per identifier without a global lock.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is used when New is given a non-positive count.
const DefaultStripes = 256

// Table is a fixed set of mutexes; an identifier always maps to the same
// one. Distinct identifiers may share a stripe, so callers must never hold
// two keys of the same table at once.
type Table struct {
	stripes []sync.Mutex
}

// New creates a table with the given number of stripes.
func New(stripes int) *Table {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &Table{stripes: make([]sync.Mutex, stripes)}
}

func (t *Table) stripe(key string) *sync.Mutex {
	return &t.stripes[xxhash.Sum64String(key)%uint64(len(t.stripes))]
}

// Lock acquires the stripe for key and returns its unlock.
func (t *Table) Lock(key string) (unlock func()) {
	m := t.stripe(key)
	m.Lock()
	return m.Unlock
}

// Do runs fn while holding key.
func (t *Table) Do(key string, fn func()) {
	unlock := t.Lock(key)
	defer unlock()
	fn()
}
