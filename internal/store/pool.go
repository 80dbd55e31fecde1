package store

import (
	"context"
	"fmt"
	"sync"
)

// Pool hands out reference-counted database handles per app. Callers
// acquire before use and release exactly once; the underlying
// connection is physically closed when its count reaches zero.
//
// There is no ambient "current database" registry: every operation
// takes an explicit handle.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	db   *DB
	refs int
}

// Handle is one checkout of a pooled database. Release it exactly
// once; use after release is a programming error.
type Handle struct {
	pool     *Pool
	appName  string
	db       *DB
	released bool
}

// NewPool creates an empty handle pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*poolEntry)}
}

// Acquire checks out a handle for the given app, opening and
// initializing the database on first use.
func (p *Pool) Acquire(ctx context.Context, appName, path string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[appName]
	if !ok {
		db, err := Open(appName, path)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		entry = &poolEntry{db: db}
		p.entries[appName] = entry
	}

	entry.refs++
	return &Handle{pool: p, appName: appName, db: entry.db}, nil
}

// DB returns the database behind this handle.
func (h *Handle) DB() *DB {
	if h.released {
		panic("store: use of released handle")
	}
	return h.db
}

// Release returns the handle to the pool. The connection closes when
// the last handle for the app is released. Releasing twice is an
// error.
func (h *Handle) Release() error {
	if h.released {
		return fmt.Errorf("handle for app %s already released", h.appName)
	}
	h.released = true

	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()

	entry, ok := h.pool.entries[h.appName]
	if !ok {
		return fmt.Errorf("no pool entry for app %s", h.appName)
	}

	entry.refs--
	if entry.refs > 0 {
		return nil
	}

	delete(h.pool.entries, h.appName)
	return entry.db.Close()
}

// Refs reports the current reference count for an app, 0 if not open.
func (p *Pool) Refs(appName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[appName]; ok {
		return entry.refs
	}
	return 0
}
