package sslsock

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle names a Context, Conn or Session in the process-wide registry.
// Handles are never reused, so a stale handle fails lookup instead of
// aliasing a newer object. Zero is never a valid handle.
type Handle uint64

func (h Handle) String() string { return fmt.Sprintf("#%d", uint64(h)) }

var lastHandle atomic.Uint64

func nextHandle() Handle {
	return Handle(lastHandle.Add(1))
}

// handleTable is a thread-safe table of live objects of one kind.
type handleTable[T any] struct {
	mu      sync.RWMutex
	handles map[Handle]T
}

func newHandleTable[T any]() *handleTable[T] {
	return &handleTable[T]{handles: make(map[Handle]T)}
}

// put makes v visible under h, which must come from nextHandle.
func (t *handleTable[T]) put(h Handle, v T) {
	t.mu.Lock()
	t.handles[h] = v
	t.mu.Unlock()
}

func (t *handleTable[T]) get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.handles[h]
	return v, ok
}

// remove deletes h and reports whether it was present.
func (t *handleTable[T]) remove(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handles[h]
	delete(t.handles, h)
	return ok
}

func (t *handleTable[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}

// snapshot returns the live objects. Callers may free them while iterating.
func (t *handleTable[T]) snapshot() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.handles))
	for _, v := range t.handles {
		out = append(out, v)
	}
	return out
}

// LookupContext resolves a context handle.
func LookupContext(h Handle) (*Context, error) {
	if c, ok := lib().contexts.get(h); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: context %s", ErrInvalidHandle, h)
}

// LookupConn resolves a connection handle.
func LookupConn(h Handle) (*Conn, error) {
	if c, ok := lib().conns.get(h); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: connection %s", ErrInvalidHandle, h)
}

// LookupSession resolves a session handle.
func LookupSession(h Handle) (*Session, error) {
	if s, ok := lib().sessions.get(h); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: session %s", ErrInvalidHandle, h)
}
