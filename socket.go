package sslsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// fileConn is a net.Conn whose descriptor can be duplicated, such as
// *net.TCPConn and *net.UnixConn.
type fileConn interface {
	net.Conn
	File() (*os.File, error)
}

// Socket is a net.Conn that speaks TLS through a Conn. It owns a duplicate
// of the original connection's descriptor; the original net.Conn is closed
// when the Socket is created.
type Socket struct {
	file     *os.File
	fd       int
	ctx      *Context
	conn     *Conn
	cb       HandshakeCallbacks
	isClient bool
	cacheKey string

	// session is the latest session seen, owned by the socket unless the
	// context cache holds it.
	sessMu  sync.Mutex
	session *Session

	laddr, raddr net.Addr

	handshakeMu   sync.Mutex
	handshakeDone bool
	handshakeErr  error

	// Every operation holds ops for reading; Close takes it for writing
	// once it has interrupted the connection.
	ops       sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	readDeadline atomic.Int64
}

func newSocket(raw net.Conn, ctx *Context, cb HandshakeCallbacks, isClient bool) (*Socket, error) {
	fc, ok := raw.(fileConn)
	if !ok {
		return nil, configError("take socket descriptor", fmt.Errorf("%T does not expose its descriptor", raw))
	}
	f, err := fc.File()
	if err != nil {
		return nil, configError("take socket descriptor", err)
	}
	laddr, raddr := raw.LocalAddr(), raw.RemoteAddr()
	raw.Close()

	conn, err := ctx.NewConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Socket{
		file:     f,
		fd:       int(f.Fd()),
		ctx:      ctx,
		conn:     conn,
		cb:       cb,
		isClient: isClient,
		laddr:    laddr,
		raddr:    raddr,
	}, nil
}

// Client returns a client-side Socket over raw. serverName is sent as SNI
// and keys the context's session cache; an empty name uses the context's
// ServerName.
func Client(raw net.Conn, ctx *Context, serverName string, cb HandshakeCallbacks) (*Socket, error) {
	s, err := newSocket(raw, ctx, cb, true)
	if err != nil {
		return nil, err
	}
	if serverName == "" {
		serverName = ctx.config.ServerName
	}
	if serverName != "" {
		if err := s.conn.SetServerName(serverName); err != nil {
			s.abort()
			return nil, err
		}
		port := ""
		if s.raddr != nil {
			_, port, _ = net.SplitHostPort(s.raddr.String())
		}
		s.cacheKey = SessionKey(serverName, port)
		if sess, ok := ctx.CachedSession(s.cacheKey); ok {
			if err := s.conn.SetSession(sess); err != nil {
				logf(logTypeHandshake, "cached session for %s unusable: %v", s.cacheKey, err)
				ctx.ForgetSession(s.cacheKey)
			}
		}
	}
	return s, nil
}

// Server returns a server-side Socket over raw.
func Server(raw net.Conn, ctx *Context, cb HandshakeCallbacks) (*Socket, error) {
	return newSocket(raw, ctx, cb, false)
}

// Dial connects to addr and returns a client Socket. The handshake happens
// on first use or on an explicit call to Handshake.
func Dial(network, addr string, ctx *Context, cb HandshakeCallbacks) (*Socket, error) {
	raw, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	serverName := ctx.config.ServerName
	if serverName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			serverName = host
		}
	}
	// SNI carries host names only.
	if net.ParseIP(serverName) != nil {
		serverName = ""
	}
	s, err := Client(raw, ctx, serverName, cb)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return s, nil
}

// abort releases everything without talking to the peer.
func (s *Socket) abort() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.conn.Free()
		s.closeErr = s.file.Close()
	})
}

// Conn exposes the underlying connection.
func (s *Socket) Conn() *Conn { return s.conn }

// Session returns the current session, or nil before the handshake. It
// stays readable after Close but its handle is released then.
func (s *Socket) Session() *Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	s.adoptLocked(s.conn.Session())
	return s.session
}

// adoptLocked makes sess the socket's session. Clients cache it; the
// session it replaces is freed unless the cache still holds it.
func (s *Socket) adoptLocked(sess *Session) {
	if sess == nil || sess == s.session {
		return
	}
	old := s.session
	s.session = sess
	if s.isClient && s.cacheKey != "" {
		s.ctx.CacheSession(s.cacheKey, sess)
	}
	s.ctx.releaseUnlessCached(old)
}

// Handshake runs the handshake if it has not run yet.
func (s *Socket) Handshake(ctx context.Context) error {
	s.ops.RLock()
	defer s.ops.RUnlock()
	if s.closed.Load() {
		return net.ErrClosed
	}
	return s.handshake(ctx)
}

func (s *Socket) handshake(ctx context.Context) error {
	s.handshakeMu.Lock()
	defer s.handshakeMu.Unlock()
	if s.handshakeDone {
		return s.handshakeErr
	}

	sess, err := s.conn.Handshake(ctx, s.fd, s.cb, s.ctx.config.HandshakeTimeout, s.isClient)
	s.handshakeDone = true
	s.handshakeErr = err
	if err != nil {
		if s.isClient && s.cacheKey != "" {
			s.ctx.ForgetSession(s.cacheKey)
		}
		return err
	}
	s.sessMu.Lock()
	s.adoptLocked(sess)
	s.sessMu.Unlock()
	return nil
}

func (s *Socket) readTimeout() (time.Duration, error) {
	dl := s.readDeadline.Load()
	if dl == 0 {
		return 0, nil
	}
	d := time.Until(time.Unix(0, dl))
	if d <= 0 {
		return 0, &TimeoutError{Op: "read"}
	}
	return d, nil
}

func (s *Socket) Read(b []byte) (int, error) {
	s.ops.RLock()
	defer s.ops.RUnlock()
	if s.closed.Load() {
		return 0, net.ErrClosed
	}
	if err := s.handshake(context.Background()); err != nil {
		return 0, err
	}
	timeout, err := s.readTimeout()
	if err != nil {
		return 0, err
	}
	return s.conn.Read(b, timeout)
}

func (s *Socket) Write(b []byte) (int, error) {
	s.ops.RLock()
	defer s.ops.RUnlock()
	if s.closed.Load() {
		return 0, net.ErrClosed
	}
	if err := s.handshake(context.Background()); err != nil {
		return 0, err
	}
	return s.conn.Write(b)
}

// Close interrupts pending operations, waits for them to return, sends
// close_notify if the handshake completed and releases the descriptor.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.conn.Interrupt()

		s.ops.Lock()
		defer s.ops.Unlock()

		var errs []error
		if s.conn.HandshakeState() == StateEstablished {
			// Tickets can arrive after the handshake.
			s.Session()
			if err := s.conn.Shutdown(); err != nil {
				errs = append(errs, err)
			}
		}
		s.conn.Free()
		s.sessMu.Lock()
		s.ctx.releaseUnlessCached(s.session)
		s.sessMu.Unlock()
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Socket) LocalAddr() net.Addr  { return s.laddr }
func (s *Socket) RemoteAddr() net.Addr { return s.raddr }

// SetDeadline sets the read deadline only; writes have no deadline.
func (s *Socket) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		s.readDeadline.Store(0)
	} else {
		s.readDeadline.Store(t.UnixNano())
	}
	return nil
}

// SetWriteDeadline only accepts the zero time.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	if t.IsZero() {
		return nil
	}
	return ErrWriteTimeout
}

// Listener wraps a net.Listener and hands out server Sockets.
type Listener struct {
	net.Listener
	ctx *Context
	cb  HandshakeCallbacks
}

// NewListener creates a Listener over inner.
func NewListener(inner net.Listener, ctx *Context, cb HandshakeCallbacks) *Listener {
	return &Listener{Listener: inner, ctx: ctx, cb: cb}
}

// Listen announces on addr; accepted connections are server Sockets.
func Listen(network, addr string, ctx *Context, cb HandshakeCallbacks) (*Listener, error) {
	inner, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return NewListener(inner, ctx, cb), nil
}

// Accept waits for the next connection. The handshake runs on first use.
func (l *Listener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	s, err := Server(raw, l.ctx, l.cb)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return s, nil
}
