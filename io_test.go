//go:build linux || darwin || freebsd || netbsd || openbsd

package sslsock

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// socketRead makes the stub read straight from the socket.
func socketRead(sc *stubConn, b []byte, call int) int {
	n, err := unix.Read(sc.fd, b)
	switch {
	case err == unix.EAGAIN:
		return wantRead(sc)
	case err != nil:
		return sc.set(-1, ErrorSyscall, err)
	case n == 0:
		return sc.set(0, ErrorZeroReturn, nil)
	}
	return sc.set(n, ErrorNone, nil)
}

func TestWriteLoopsUntilComplete(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		sc.write = func(sc *stubConn, b []byte, call int) int {
			n := len(b)
			if n > 4096 {
				n = 4096
			}
			return sc.set(n, ErrorNone, nil)
		}
	})
	tc.establish(t)

	n, err := tc.conn.Write(make([]byte, 10000))
	assertNotError(t, err, "write failed")
	assertEquals(t, n, 10000)
	assertEquals(t, tc.stub().writeCalls.Load(), int32(3))
}

func TestReadTimeout(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		sc.read = func(sc *stubConn, b []byte, call int) int { return wantRead(sc) }
	})
	tc.establish(t)

	const timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := tc.conn.Read(make([]byte, 16), timeout)
	elapsed := time.Since(start)

	assertTrue(t, IsTimeout(err), "expected a timeout")
	assertTrue(t, elapsed >= timeout, "returned before the timeout: "+elapsed.String())
	assertTrue(t, elapsed < timeout+waitSlice, "returned too late: "+elapsed.String())

	// A timed out read leaves the connection usable.
	assertEquals(t, tc.conn.HandshakeState(), StateEstablished)
}

func TestReadFromSocket(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) { sc.read = socketRead })
	tc.establish(t)

	time.AfterFunc(20*time.Millisecond, func() {
		unix.Write(tc.peer, []byte("hello"))
	})
	buf := make([]byte, 16)
	n, err := tc.conn.Read(buf, time.Second)
	assertNotError(t, err, "read failed")
	assertByteEquals(t, buf[:n], []byte("hello"))

	unix.Shutdown(tc.peer, unix.SHUT_WR)
	_, err = tc.conn.Read(buf, time.Second)
	assertEquals(t, err, io.EOF)
}

func TestReadInterruptWakesReader(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		sc.read = func(sc *stubConn, b []byte, call int) int { return wantRead(sc) }
	})
	tc.establish(t)

	done := make(chan error)
	go func() {
		_, err := tc.conn.Read(make([]byte, 16), 0)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	start := time.Now()
	tc.conn.Interrupt()

	select {
	case err := <-done:
		assertEquals(t, err, io.EOF)
		assertTrue(t, time.Since(start) < waitSlice, "reader was not woken by the interrupt")
	case <-time.After(time.Second):
		t.Fatal("interrupt did not wake the reader")
	}
	assertTrue(t, !tc.conn.state.Load().isAlive(), "connection still alive")

	_, err := tc.conn.Read(make([]byte, 16), 0)
	assertEquals(t, err, io.EOF)
}

func TestWriteInterrupted(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		// Stuck behind a read, as during renegotiation.
		sc.write = func(sc *stubConn, b []byte, call int) int { return wantRead(sc) }
	})
	tc.establish(t)

	time.AfterFunc(30*time.Millisecond, tc.conn.Interrupt)
	n, err := tc.conn.Write([]byte("data"))
	assertEquals(t, n, 0)
	assertTrue(t, errors.Is(err, ErrSocketClosed), "expected ErrSocketClosed")
}

func TestWriteWakesParkedReader(t *testing.T) {
	var avail atomic.Bool
	tc := newTestConn(t, func(sc *stubConn) {
		sc.read = func(sc *stubConn, b []byte, call int) int {
			if !avail.Load() {
				return wantRead(sc)
			}
			b[0] = 'r'
			return sc.set(1, ErrorNone, nil)
		}
		sc.write = func(sc *stubConn, b []byte, call int) int {
			// The write also brought in application data.
			avail.Store(true)
			return sc.set(len(b), ErrorNone, nil)
		}
	})
	tc.establish(t)

	got := make(chan time.Time)
	go func() {
		buf := make([]byte, 1)
		if n, err := tc.conn.Read(buf, 0); err == nil && n == 1 {
			got <- time.Now()
		}
		close(got)
	}()

	time.Sleep(30 * time.Millisecond)
	wrote := time.Now()
	_, err := tc.conn.Write([]byte("ping"))
	assertNotError(t, err, "write failed")

	select {
	case at, ok := <-got:
		assertTrue(t, ok, "read failed")
		assertTrue(t, at.Sub(wrote) < waitSlice/2, "reader was not woken by the write")
	case <-time.After(time.Second):
		t.Fatal("reader never returned")
	}
}

func TestPrimitivesNeverOverlap(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		sc.read = func(sc *stubConn, b []byte, call int) int {
			time.Sleep(20 * time.Microsecond)
			b[0] = byte(call)
			return sc.set(1, ErrorNone, nil)
		}
		sc.write = func(sc *stubConn, b []byte, call int) int {
			time.Sleep(20 * time.Microsecond)
			return sc.set(len(b), ErrorNone, nil)
		}
	})
	tc.establish(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 8)
		for i := 0; i < 200; i++ {
			tc.conn.Read(buf, time.Second)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tc.conn.Write([]byte("abc"))
		}
	}()
	wg.Wait()

	assertTrue(t, !tc.stub().overlap.Load(), "read and write primitives overlapped")
	assertEquals(t, tc.stub().readCalls.Load(), int32(200))
	assertEquals(t, tc.stub().writeCalls.Load(), int32(200))
}

func TestWaitingThreadsBound(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		sc.read = func(sc *stubConn, b []byte, call int) int { return wantRead(sc) }
		sc.write = func(sc *stubConn, b []byte, call int) int {
			if call%2 == 1 {
				return wantRead(sc)
			}
			return sc.set(len(b), ErrorNone, nil)
		}
	})
	tc.establish(t)
	st := tc.conn.state.Load()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		tc.conn.Read(make([]byte, 16), 0)
	}()

	for i := 0; i < 3; i++ {
		_, err := tc.conn.Write([]byte("x"))
		assertNotError(t, err, "write failed")
		cur, peak := st.waiting()
		assertTrue(t, cur <= 2 && peak <= 2, "more than two waiters")
	}

	tc.conn.Interrupt()
	<-readerDone

	cur, peak := st.waiting()
	assertEquals(t, cur, 0)
	assertTrue(t, peak >= 1 && peak <= 2, "unexpected peak waiters")
}

func TestReadEndOfStream(t *testing.T) {
	for _, c := range []struct {
		name string
		code ErrorCode
	}{
		{"close_notify", ErrorZeroReturn},
		{"transport closed", ErrorSyscall},
	} {
		t.Run(c.name, func(t *testing.T) {
			code := c.code
			tc := newTestConn(t, func(sc *stubConn) {
				sc.read = func(sc *stubConn, b []byte, call int) int { return sc.set(0, code, nil) }
			})
			tc.establish(t)
			_, err := tc.conn.Read(make([]byte, 16), time.Second)
			assertEquals(t, err, io.EOF)
		})
	}
}

func TestReadSyscallError(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		sc.read = func(sc *stubConn, b []byte, call int) int {
			sc.queue.Push(errors.New("record overflow"))
			return sc.set(-1, ErrorSyscall, unix.ECONNRESET)
		}
	})
	tc.establish(t)

	_, err := tc.conn.Read(make([]byte, 16), time.Second)
	var pe *ProtocolError
	assertTrue(t, errors.As(err, &pe), "expected a ProtocolError")
	assertEquals(t, pe.Op, "read error")
	assertTrue(t, errors.Is(err, unix.ECONNRESET), "errno not wrapped")
	assertEquals(t, len(pe.Queue), 1)
}

func TestWriteClosedByPeer(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		sc.write = func(sc *stubConn, b []byte, call int) int {
			if call == 1 {
				return sc.set(3, ErrorNone, nil)
			}
			return sc.set(0, ErrorZeroReturn, nil)
		}
	})
	tc.establish(t)

	n, err := tc.conn.Write([]byte("abcdef"))
	assertEquals(t, n, 3)
	assertTrue(t, errors.Is(err, ErrClosedByPeer), "expected ErrClosedByPeer")
}

func TestIOBeforeHandshake(t *testing.T) {
	tc := newTestConn(t, nil)

	_, err := tc.conn.Read(make([]byte, 1), 0)
	assertEquals(t, err, ErrHandshakeNotDone)
	_, err = tc.conn.Write([]byte("x"))
	assertEquals(t, err, ErrHandshakeNotDone)
}

func TestEmptyReadAndWrite(t *testing.T) {
	tc := newTestConn(t, nil)
	tc.establish(t)

	n, err := tc.conn.Read(nil, 0)
	assertNotError(t, err, "empty read failed")
	assertEquals(t, n, 0)
	n, err = tc.conn.Write(nil)
	assertNotError(t, err, "empty write failed")
	assertEquals(t, n, 0)
	assertEquals(t, tc.stub().readCalls.Load(), int32(0))
	assertEquals(t, tc.stub().writeCalls.Load(), int32(0))
}

func TestWriteReachesSocket(t *testing.T) {
	tc := newTestConn(t, func(sc *stubConn) {
		sc.write = func(sc *stubConn, b []byte, call int) int {
			n, err := unix.Write(sc.fd, b)
			if err == unix.EAGAIN {
				return sc.set(-1, ErrorWantWrite, nil)
			}
			if err != nil {
				return sc.set(-1, ErrorSyscall, err)
			}
			return sc.set(n, ErrorNone, nil)
		}
	})
	tc.establish(t)

	// Larger than the socket buffer, so the writer has to wait for the
	// peer to drain it.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	received := make(chan []byte)
	go func() {
		var got []byte
		buf := make([]byte, 32*1024)
		for len(got) < len(payload) {
			n, err := unix.Read(tc.peer, buf)
			if err == unix.EINTR {
				continue
			}
			if err != nil || n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		received <- got
	}()

	n, err := tc.conn.Write(payload)
	assertNotError(t, err, "write failed")
	assertEquals(t, n, len(payload))
	assertByteEquals(t, <-received, payload)
}
