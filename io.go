package sslsock

import (
	"context"
	"io"
	"time"
)

// ready returns the shared state of an established, live connection.
func (c *Conn) ready() (*appData, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	st := c.state.Load()
	if st == nil || c.HandshakeState() != StateEstablished {
		return nil, ErrHandshakeNotDone
	}
	return st, nil
}

// step runs one engine read or write primitive under the connection mutex
// and classifies the result. It wakes the other direction after progress,
// and counts the caller as waiting when the engine wants I/O.
func (c *Conn) step(st *appData, primitive func() int) (ret int, code ErrorCode, errno error) {
	scope := st.bind(context.Background())
	st.mu.Lock()
	ret = primitive()
	code = c.engine.GetError(ret)
	errno = c.engine.Errno()
	if ret > 0 && st.waitingThreads > 0 {
		st.notifyLocked()
	}
	if code.wantsIO() {
		st.parkLocked()
	}
	st.mu.Unlock()
	scope.release()
	return ret, code, errno
}

// Read reads application data. It returns io.EOF when the peer has closed
// the connection or c has been interrupted, and a *TimeoutError when
// nothing arrived within timeout. A zero timeout waits forever.
func (c *Conn) Read(b []byte, timeout time.Duration) (int, error) {
	st, err := c.ready()
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	q := c.engine.ErrorQueue()
	deadline := deadlineFor(timeout)

	for st.isAlive() {
		n, code, errno := c.step(st, func() int { return c.engine.Read(b) })
		if err := st.takeUpcallError(); err != nil {
			q.Clear()
			return 0, err
		}

		switch code {
		case ErrorNone:
			logf(logTypeVerbose, "%s read %d bytes", c.label(), n)
			return n, nil
		case ErrorZeroReturn:
			q.Clear()
			return 0, io.EOF
		case ErrorWantRead, ErrorWantWrite:
			sn, err := st.wait(code, c.fd, deadline)
			if err != nil {
				return 0, protocolError("read error", code, err, q)
			}
			if sn == 0 && expired(deadline) {
				q.Clear()
				return 0, &TimeoutError{Op: "read"}
			}
		case ErrorSyscall:
			if isEINTR(errno) {
				continue
			}
			if n == 0 {
				// Transport closed without close_notify.
				q.Clear()
				return 0, io.EOF
			}
			return 0, protocolError("read error", code, errno, q)
		default:
			return 0, protocolError("read error", code, errno, q)
		}
	}
	q.Clear()
	return 0, io.EOF
}

// Write writes all of b. Writes never time out; they end when everything
// is written, the connection fails, or c is interrupted.
func (c *Conn) Write(b []byte) (int, error) {
	st, err := c.ready()
	if err != nil {
		return 0, err
	}
	q := c.engine.ErrorQueue()

	written := 0
	for st.isAlive() && written < len(b) {
		n, code, errno := c.step(st, func() int { return c.engine.Write(b[written:]) })
		if err := st.takeUpcallError(); err != nil {
			q.Clear()
			return written, err
		}

		switch code {
		case ErrorNone:
			written += n
			logf(logTypeVerbose, "%s wrote %d bytes (%d/%d)", c.label(), n, written, len(b))
		case ErrorWantRead, ErrorWantWrite:
			if _, err := st.wait(code, c.fd, time.Time{}); err != nil {
				return written, protocolError("write error", code, err, q)
			}
		case ErrorZeroReturn:
			return written, protocolError("write error", code, ErrClosedByPeer, q)
		case ErrorSyscall:
			if isEINTR(errno) {
				continue
			}
			if n == 0 && errno == nil {
				return written, protocolError("write error", code, ErrClosedByPeer, q)
			}
			return written, protocolError("write error", code, errno, q)
		default:
			return written, protocolError("write error", code, errno, q)
		}
	}
	if written < len(b) {
		q.Clear()
		return written, ErrSocketClosed
	}
	return written, nil
}
