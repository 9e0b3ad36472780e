package sslsock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/net/idna"
)

// HandshakeState is where a Conn's handshake stands.
type HandshakeState int32

const (
	StateNotStarted  HandshakeState = iota // Handshake not called yet
	StateInProgress                        // Handshake running
	StateEstablished                       // Handshake succeeded
	StateFailed                            // the engine, the peer or an upcall failed it
	StateCancelled                         // Interrupt, timeout or context cancellation
)

func (s HandshakeState) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("HandshakeState(%d)", int32(s))
}

// Conn is one TLS connection over a socket descriptor owned by the caller.
//
// At most one goroutine may run Handshake or Read, and at most one Write,
// at any time. Interrupt may be called from anywhere.
type Conn struct {
	handle Handle
	lib    *library
	ctx    *Context
	engine EngineConn

	// fd is set once by Handshake before state is published.
	fd       int
	isClient bool

	state       atomic.Pointer[appData]
	hsState     atomic.Int32
	interrupted atomic.Bool

	freed    atomic.Bool
	freeOnce sync.Once
}

// Handle returns the handle c is registered under.
func (c *Conn) Handle() Handle { return c.handle }

// Context returns the context c was created from.
func (c *Conn) Context() *Context { return c.ctx }

// IsClient reports whether c's handshake ran in the client role.
func (c *Conn) IsClient() bool { return c.isClient }

// HandshakeState returns the handshake's current state.
func (c *Conn) HandshakeState() HandshakeState {
	return HandshakeState(c.hsState.Load())
}

func (c *Conn) label() string {
	return "[conn " + c.handle.String() + "]"
}

func (c *Conn) usable() error {
	if c.freed.Load() {
		return ErrFreed
	}
	return nil
}

// beforeHandshake guards the setters that only make sense before the
// handshake starts.
func (c *Conn) beforeHandshake(what string) error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.HandshakeState() != StateNotStarted {
		return configError(what, fmt.Errorf("handshake is %s", c.HandshakeState()))
	}
	return nil
}

// SetServerName sets the SNI host name sent by a client.
func (c *Conn) SetServerName(name string) error {
	if err := c.beforeHandshake("set server name"); err != nil {
		return err
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return configError("set server name", err)
	}
	return c.setterError("set server name", c.engine.SetServerName(ascii))
}

// SetSession offers s for resumption on the next handshake.
func (c *Conn) SetSession(s *Session) error {
	if err := c.beforeHandshake("set session"); err != nil {
		return err
	}
	if s != nil && !s.Valid() {
		return configError("set session", ErrInvalidHandle)
	}
	return c.setterError("set session", c.engine.SetSession(s))
}

// SetVerifyMode overrides the context's verify mode for c.
func (c *Conn) SetVerifyMode(mode VerifyMode) error {
	if err := c.beforeHandshake("set verify mode"); err != nil {
		return err
	}
	c.engine.SetVerifyMode(mode)
	return nil
}

// SetCipherList restricts c to the named cipher suites.
func (c *Conn) SetCipherList(names ...string) error {
	if err := c.beforeHandshake("set cipher list"); err != nil {
		return err
	}
	return c.setterError("set cipher list", c.engine.SetCipherList(names))
}

// UseCertificate installs the certificate c presents.
func (c *Conn) UseCertificate(cert *Certificate) error {
	if err := c.beforeHandshake("use certificate"); err != nil {
		return err
	}
	if cert == nil || len(cert.Chain) == 0 || cert.PrivateKey == nil {
		return configError("use certificate", fmt.Errorf("certificate needs a chain and a private key"))
	}
	return c.setterError("use certificate", c.engine.UseCertificate(cert))
}

// SetNextProtos sets the ALPN protocols c offers or accepts.
func (c *Conn) SetNextProtos(protos ...string) error {
	if err := c.beforeHandshake("set next protocols"); err != nil {
		return err
	}
	return c.setterError("set next protocols", c.engine.SetNextProtos(protos))
}

// setterError turns a failed engine setter into a ConfigError and drops
// what the engine queued for it, so a later handshake error does not carry
// it.
func (c *Conn) setterError(step string, err error) error {
	if err == nil {
		return nil
	}
	c.engine.ErrorQueue().Clear()
	return configError(step, err)
}

// Session returns the connection's current session, registered so it can
// be looked up by handle. It is nil before the handshake completes.
func (c *Conn) Session() *Session {
	if c.usable() != nil || c.HandshakeState() != StateEstablished {
		return nil
	}
	s := c.engine.Session()
	if s == nil {
		return nil
	}
	return s.register(c.lib)
}

// Interrupt makes every blocked or future Handshake, Read and Write on c
// give up. It is idempotent and safe to call concurrently with them.
func (c *Conn) Interrupt() {
	c.interrupted.Store(true)
	if st := c.state.Load(); st != nil {
		st.interrupt()
	}
	logf(logTypeIO, "%s interrupted", c.label())
}

// Shutdown sends close_notify. Not having received the peer's
// close_notify yet is not an error.
func (c *Conn) Shutdown() error {
	if err := c.usable(); err != nil {
		return err
	}
	st := c.state.Load()
	if st == nil {
		c.engine.ErrorQueue().Clear()
		return nil
	}
	q := c.engine.ErrorQueue()
	defer q.Clear()

	if err := setNonblock(c.fd, false); err != nil {
		logf(logTypeIO, "%s shutdown: restore blocking mode: %v", c.label(), err)
	}

	scope := st.bind(context.Background())
	st.mu.Lock()
	ret := c.engine.Shutdown()
	code := ErrorNone
	if ret < 0 {
		code = c.engine.GetError(ret)
	}
	errno := c.engine.Errno()
	st.mu.Unlock()
	scope.release()

	if err := st.takeUpcallError(); err != nil {
		return err
	}
	switch ret {
	case 0:
		logf(logTypeIO, "%s shutdown sent, peer close_notify pending", c.label())
		return nil
	case 1:
		logf(logTypeIO, "%s shutdown complete", c.label())
		return nil
	default:
		return protocolError("shutdown failed", code, errno, q)
	}
}

// Free releases the connection state and the engine connection. The caller
// must have interrupted or finished every other operation on c.
func (c *Conn) Free() {
	c.freeOnce.Do(func() {
		c.freed.Store(true)
		if st := c.state.Load(); st != nil {
			st.destroy()
		}
		c.engine.ErrorQueue().Clear()
		c.engine.Free()
		c.lib.conns.remove(c.handle)
		logf(logTypeHandshake, "%s freed", c.label())
	})
}
