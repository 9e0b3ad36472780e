package sslsock

import (
	"context"
	"fmt"
	"time"
)

// Handshake binds c to fd, switches fd to non-blocking mode and drives the
// TLS handshake until it completes, fails, times out or is interrupted.
// A zero timeout waits forever. cb receives the upcalls made during the
// handshake, with ctx as their environment; cancelling ctx interrupts c.
//
// fd stays owned by the caller and must outlive c.
func (c *Conn) Handshake(ctx context.Context, fd int, cb HandshakeCallbacks, timeout time.Duration, isClient bool) (*Session, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if fd < 0 {
		return nil, configError("bind file descriptor", fmt.Errorf("bad file descriptor %d", fd))
	}
	if fd >= maxSelectFd {
		return nil, configError("bind file descriptor", fmt.Errorf("descriptor %d exceeds FD_SETSIZE", fd))
	}
	if cb == nil {
		return nil, configError("bind handshake callbacks", ErrUpcallUnbound)
	}
	if !c.hsState.CompareAndSwap(int32(StateNotStarted), int32(StateInProgress)) {
		return nil, configError("start handshake", fmt.Errorf("handshake is %s", c.HandshakeState()))
	}

	if err := c.engine.SetFd(fd); err != nil {
		return nil, c.failSetup("set file descriptor", err)
	}
	if err := setNonblock(fd, true); err != nil {
		return nil, c.failSetup("make socket non-blocking", err)
	}
	st, err := newAppData(cb)
	if err != nil {
		c.hsState.Store(int32(StateFailed))
		c.engine.ErrorQueue().Clear()
		return nil, err
	}
	c.fd = fd
	c.isClient = isClient
	c.state.Store(st)
	// An Interrupt that ran before the state existed still counts.
	if c.interrupted.Load() {
		st.interrupt()
	}

	if isClient {
		c.engine.SetConnectState()
	} else {
		c.engine.SetAcceptState()
	}

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, c.Interrupt)
		defer stop()
	}

	logf(logTypeHandshake, "%s starting handshake, client=%v timeout=%v", c.label(), isClient, timeout)
	return c.runHandshake(ctx, st, timeout)
}

func (c *Conn) failSetup(step string, err error) error {
	c.hsState.Store(int32(StateFailed))
	c.engine.ErrorQueue().Clear()
	return configError(step, err)
}

func (c *Conn) finish(state HandshakeState, err error) (*Session, error) {
	c.hsState.Store(int32(state))
	c.engine.ErrorQueue().Clear()
	logf(logTypeHandshake, "%s handshake %s: %v", c.label(), state, err)
	return nil, err
}

func (c *Conn) runHandshake(ctx context.Context, st *appData, timeout time.Duration) (*Session, error) {
	deadline := deadlineFor(timeout)
	q := c.engine.ErrorQueue()

	ret := 0
	code := ErrorNone
	var errno error
	for st.isAlive() {
		scope := st.bind(ctx)
		ret = c.engine.DoHandshake()
		scope.release()

		if err := st.takeUpcallError(); err != nil {
			return c.finish(StateFailed, err)
		}
		if ret == 1 {
			break
		}

		code = c.engine.GetError(ret)
		errno = c.engine.Errno()
		if code == ErrorSyscall && isEINTR(errno) {
			logf(logTypeHandshake, "%s handshake interrupted by signal, retrying", c.label())
			continue
		}
		if !code.wantsIO() {
			break
		}

		logf(logTypeHandshake, "%s handshake %s", c.label(), code)
		st.mu.Lock()
		st.parkLocked()
		st.mu.Unlock()
		n, err := st.wait(code, c.fd, deadline)
		if err != nil {
			err = protocolError("handshake error", ErrorSyscall, err, q)
			return c.finish(StateFailed, err)
		}
		if n == 0 && expired(deadline) {
			return c.finish(StateCancelled, &TimeoutError{Op: "handshake"})
		}
	}

	if ret == 1 {
		return c.established(st)
	}
	if !st.isAlive() {
		return c.finish(StateCancelled, ErrSocketClosed)
	}
	if ret == 0 && (code == ErrorNone || (code == ErrorSyscall && errno == nil)) {
		return c.finish(StateFailed, ErrClosedByPeer)
	}
	op := "handshake aborted"
	if ret == 0 {
		op = "handshake terminated"
	}
	err := protocolError(op, code, errno, q)
	return c.finish(StateFailed, err)
}

func (c *Conn) established(st *appData) (*Session, error) {
	// Renegotiation is not supported, so nothing may call up after this.
	st.releaseCallbacks()
	c.hsState.Store(int32(StateEstablished))
	c.engine.ErrorQueue().Clear()

	s := c.engine.Session()
	if s == nil {
		logf(logTypeHandshake, "%s handshake established without a session", c.label())
		return nil, nil
	}
	s.register(c.lib)
	logf(logTypeHandshake, "%s handshake established, session %s", c.label(), s.Handle())
	return s, nil
}
