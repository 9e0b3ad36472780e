package gotls

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// bio is the in-memory transport the TLS stack runs on. Ciphertext from
// the socket is fed into in; everything the stack writes collects in out
// until it is flushed to the socket.
//
// The stack's reads park on cond when in is empty. An engine primitive
// returns once the operation it is driving has finished or has parked
// waiting for input that the socket does not have yet.
type bio struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     bytes.Buffer
	out    bytes.Buffer
	eof    bool
	closed bool
	parked bool
}

func newBIO() *bio {
	b := &bio{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bio) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.in.Len() == 0 {
		if b.closed {
			return 0, net.ErrClosed
		}
		if b.eof {
			return 0, io.EOF
		}
		b.parked = true
		b.cond.Broadcast()
		b.cond.Wait()
		b.parked = false
	}
	return b.in.Read(p)
}

func (b *bio) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, net.ErrClosed
	}
	return b.out.Write(p)
}

// Close fails every current and future Read and Write.
func (b *bio) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (b *bio) LocalAddr() net.Addr                { return bioAddr{} }
func (b *bio) RemoteAddr() net.Addr               { return bioAddr{} }
func (b *bio) SetDeadline(t time.Time) error      { return nil }
func (b *bio) SetReadDeadline(t time.Time) error  { return nil }
func (b *bio) SetWriteDeadline(t time.Time) error { return nil }

type bioAddr struct{}

func (bioAddr) Network() string { return "bio" }
func (bioAddr) String() string  { return "bio" }

// feed and feedEOF clear parked: the stack has to look at the new input
// before it counts as starved again.
func (b *bio) feed(p []byte) {
	b.mu.Lock()
	b.in.Write(p)
	b.parked = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *bio) feedEOF() {
	b.mu.Lock()
	b.eof = true
	b.parked = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *bio) sawEOF() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eof
}

// op is one TLS stack call running on a worker goroutine. Its fields are
// guarded by the bio mutex.
type op struct {
	done bool
	n    int
	err  error
}

// settle blocks until o has finished or the stack is parked on an empty
// input buffer.
func (b *bio) settle(o *op) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !o.done && !b.closed && !(b.parked && b.in.Len() == 0) {
		b.cond.Wait()
	}
}

func (b *bio) complete(o *op, n int, err error) {
	b.mu.Lock()
	o.done, o.n, o.err = true, n, err
	b.cond.Broadcast()
	b.mu.Unlock()
}

// result returns o's outcome if it has finished.
func (b *bio) result(o *op) (done bool, n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return o.done, o.n, o.err
}
