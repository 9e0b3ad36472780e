package sslsock

import (
	"context"
	"sync"
	"sync/atomic"
)

// HandshakeCallbacks is the application side of the upcall contract. All
// methods run synchronously on behalf of the goroutine driving the
// handshake; an error aborts the handshake and is returned unchanged.
type HandshakeCallbacks interface {
	// VerifyCertificateChain receives the peer's chain (leaf first, DER)
	// and the key-exchange authentication method, e.g. "ECDHE_RSA".
	VerifyCertificateChain(ctx context.Context, chain [][]byte, authMethod string) error
	// ClientCertificateRequested is called on clients when the server asks
	// for a certificate. Returning nil sends no certificate unless one was
	// installed with UseCertificate.
	ClientCertificateRequested(ctx context.Context, keyTypes []string, issuers [][]byte) (*Certificate, error)
	HandshakeCompleted(ctx context.Context) error
}

// appData is the state shared by every goroutine operating on one
// connection.
type appData struct {
	alive atomic.Bool

	// mu serializes the engine's Read and Write primitives, waitingThreads
	// and pipe drains.
	mu             sync.Mutex
	waitingThreads int
	peakWaiting    int
	destroyed      bool

	pipeR, pipeW int

	// Upcall binding. env is only valid between bind and release.
	bindMu     sync.Mutex
	bound      bool
	released   bool
	env        context.Context
	callbacks  HandshakeCallbacks
	upcallErr  error
	upcallSeen bool
}

func newAppData(cb HandshakeCallbacks) (*appData, error) {
	if cb == nil {
		return nil, configError("bind handshake callbacks", ErrUpcallUnbound)
	}
	r, w, err := newPipe()
	if err != nil {
		return nil, configError("create cancellation pipe", err)
	}
	a := &appData{pipeR: r, pipeW: w, callbacks: cb}
	a.alive.Store(true)
	return a, nil
}

// destroy marks the state dead and releases the pipe. It is idempotent and
// tolerates a partially constructed value.
func (a *appData) destroy() {
	if a == nil {
		return
	}
	a.alive.Store(false)

	a.mu.Lock()
	if !a.destroyed {
		a.destroyed = true
		closeFd(a.pipeR)
		closeFd(a.pipeW)
		a.pipeR, a.pipeW = -1, -1
	}
	a.mu.Unlock()

	a.releaseCallbacks()
}

func (a *appData) isAlive() bool {
	return a.alive.Load()
}

// notifyLocked wakes one party parked in wait. Caller holds mu.
func (a *appData) notifyLocked() {
	if a.destroyed {
		return
	}
	if err := writeToken(a.pipeW); err != nil {
		logf(logTypeSelect, "notify: %v", err)
	}
}

// interrupt kills the connection and wakes both possible waiters.
func (a *appData) interrupt() {
	a.alive.Store(false)
	a.mu.Lock()
	a.notifyLocked()
	a.notifyLocked()
	a.mu.Unlock()
}

// parkLocked records one more goroutine about to wait. Caller holds mu.
func (a *appData) parkLocked() {
	a.waitingThreads++
	if a.waitingThreads > a.peakWaiting {
		a.peakWaiting = a.waitingThreads
	}
}

func (a *appData) waiting() (current, peak int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waitingThreads, a.peakWaiting
}

// upcallScope is held for the duration of one upcall-capable engine call.
type upcallScope struct {
	a *appData
}

// bind makes env and the callbacks reachable from upcalls until release.
// Once the handshake has completed it binds nothing.
func (a *appData) bind(env context.Context) upcallScope {
	if env == nil {
		env = context.Background()
	}
	a.bindMu.Lock()
	if !a.released {
		a.bound = true
		a.env = env
	}
	a.bindMu.Unlock()
	return upcallScope{a: a}
}

func (s upcallScope) release() {
	s.a.bindMu.Lock()
	s.a.bound = false
	s.a.env = nil
	s.a.bindMu.Unlock()
}

// binding returns the bound environment and callbacks, or ErrUpcallUnbound.
func (a *appData) binding() (context.Context, HandshakeCallbacks, error) {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()
	if !a.bound || a.released || a.callbacks == nil {
		return nil, nil, ErrUpcallUnbound
	}
	return a.env, a.callbacks, nil
}

// releaseCallbacks drops the callbacks for good.
func (a *appData) releaseCallbacks() {
	a.bindMu.Lock()
	a.released = true
	a.bound = false
	a.env = nil
	a.callbacks = nil
	a.bindMu.Unlock()
}

// failUpcall records the first error raised by an upcall. Later engine
// errors never replace it.
func (a *appData) failUpcall(err error) {
	a.bindMu.Lock()
	if !a.upcallSeen {
		a.upcallSeen = true
		a.upcallErr = err
	}
	a.bindMu.Unlock()
}

func (a *appData) takeUpcallError() error {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()
	err := a.upcallErr
	a.upcallErr = nil
	a.upcallSeen = false
	return err
}
