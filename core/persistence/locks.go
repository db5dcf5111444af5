package persistence

import (
	"context"
	"sort"
	"sync"
)

// Mode is the access a statement needs on a table.
type Mode int

const (
	// Read allows any number of concurrent holders.
	Read Mode = iota
	// Write excludes every other token.
	Write
)

type tableLock struct {
	readers map[Token]int
	writer  Token
	writes  int
	// waiting counts writers blocked on the table. New readers queue behind
	// them unless they already hold the table.
	waiting int
}

func (l *tableLock) holds(tok Token) bool {
	return l.writer == tok || l.readers[tok] > 0
}

func (l *tableLock) otherReaders(tok Token) bool {
	for t, n := range l.readers {
		if t != tok && n > 0 {
			return true
		}
	}
	return false
}

// TableLocks are per process many-reader/one-writer locks keyed by table
// name. Locks are held per Token and are reentrant for the holding token.
type TableLocks struct {
	mu      sync.Mutex
	tables  map[string]*tableLock
	changed chan struct{}
}

// NewTableLocks creates an empty lock table.
func NewTableLocks() *TableLocks {
	return &TableLocks{tables: make(map[string]*tableLock), changed: make(chan struct{})}
}

// Acquire takes the given locks for tok in table name order and returns the
// function releasing them. A table named with both modes is write locked.
// When ctx ends first, locks taken so far are released and ctx.Err() is
// returned.
//
// A token holding a read lock may upgrade it to a write lock. Two tokens
// upgrading the same table wait on each other until one context ends.
func (t *TableLocks) Acquire(ctx context.Context, tok Token, modes map[string]Mode) (func(), error) {
	names := make([]string, 0, len(modes))
	for name := range modes {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	t.mu.Lock()
	defer t.mu.Unlock()

	held := make([]string, 0, len(names))
	for _, name := range names {
		if err := t.acquire(ctx, tok, name, modes[name]); err != nil {
			t.releaseLocked(tok, held, modes)
			return nil, err
		}
		held = append(held, name)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.releaseLocked(tok, held, modes)
			t.mu.Unlock()
		})
	}, nil
}

func (t *TableLocks) lock(name string) *tableLock {
	l, ok := t.tables[name]
	if !ok {
		l = &tableLock{readers: make(map[Token]int)}
		t.tables[name] = l
	}
	return l
}

func (t *TableLocks) acquire(ctx context.Context, tok Token, name string, mode Mode) error {
	l := t.lock(name)
	if mode == Write {
		l.waiting++
		defer func() { l.waiting-- }()
		for !(l.writer == "" || l.writer == tok) || l.otherReaders(tok) {
			if err := t.wait(ctx); err != nil {
				return err
			}
		}
		l.writer = tok
		l.writes++
		return nil
	}
	for !(l.writer == "" || l.writer == tok) || (l.waiting > 0 && !l.holds(tok)) {
		if err := t.wait(ctx); err != nil {
			return err
		}
		// An idle lock is dropped from the table while we wait.
		l = t.lock(name)
	}
	l.readers[tok]++
	return nil
}

// wait releases mu until the lock table changes or ctx ends.
func (t *TableLocks) wait(ctx context.Context) error {
	ch := t.changed
	t.mu.Unlock()
	defer t.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TableLocks) releaseLocked(tok Token, names []string, modes map[string]Mode) {
	for i := len(names) - 1; i >= 0; i-- {
		l := t.tables[names[i]]
		if modes[names[i]] == Write {
			l.writes--
			if l.writes == 0 {
				l.writer = ""
			}
		} else {
			l.readers[tok]--
			if l.readers[tok] <= 0 {
				delete(l.readers, tok)
			}
		}
		if l.writer == "" && len(l.readers) == 0 && l.waiting == 0 {
			delete(t.tables, names[i])
		}
	}
	close(t.changed)
	t.changed = make(chan struct{})
}
