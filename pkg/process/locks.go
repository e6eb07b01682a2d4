package process

import (
	"sync"
)

// lockTable serializes transition attempts per business object. Entries are
// reference counted and removed once the last holder releases, so the table
// does not grow with the number of objects ever seen.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{
		entries: make(map[string]*lockEntry),
	}
}

// Acquire blocks until the lock for key is held and returns the release
// function. Release must be called exactly once.
func (t *lockTable) Acquire(key string) func() {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			t.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(t.entries, key)
			}
			t.mu.Unlock()
		})
	}
}

// Len reports the number of live entries; used by tests to verify cleanup.
func (t *lockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func subjectKey(subject Subject) string {
	return subject.SubjectType() + "/" + subject.SubjectID()
}
