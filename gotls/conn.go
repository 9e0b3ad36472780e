package gotls

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bifurcation/sslsock"
	"github.com/bifurcation/sslsock/internal/logging"
	tls "github.com/refraction-networking/utls"
)

const (
	// maxChunk is the most plaintext handed to the stack per Write, one
	// record's worth.
	maxChunk = 16384
	// maxFill bounds how much ciphertext one primitive pulls off the
	// socket.
	maxFill = 4 * maxChunk
)

var (
	errNoFd           = errors.New("gotls: no file descriptor set")
	errNotEstablished = errors.New("gotls: handshake has not completed")
	errShutdownInInit = errors.New("gotls: shutdown while in init")
	errNoResumption   = errors.New("gotls: session carries no resumption state")
)

// tlsConn is what *tls.Conn and *tls.UConn have in common for our needs.
type tlsConn interface {
	Handshake() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
	ConnectionState() tls.ConnectionState
}

type conn struct {
	ctx    *engineContext
	handle sslsock.Handle
	up     sslsock.Upcaller

	fd     int
	client bool

	// Per-connection settings, applied when the stack is built.
	serverName string
	suites     []uint16
	nextProtos []string
	cert       *tls.Certificate
	verifyMode *sslsock.VerifyMode
	slot       *sessionSlot
	offered    *sslsock.Session

	bio     *bio
	sniffer alertSniffer
	tls     tlsConn
	workers sync.WaitGroup
	rbuf    []byte

	hs     *op
	hsDone bool

	rd        *op
	rdBuf     []byte
	plain     bytes.Buffer
	readErr   error
	wrPending int

	sentClose  bool
	peerClosed bool

	// sessMu guards the cached Session, which any goroutine may ask for.
	sessMu     sync.Mutex
	session    *sslsock.Session
	sessionGen int

	last  sslsock.ErrorCode
	errno error
	queue sslsock.ErrorQueue
}

func newConn(ctx *engineContext, h sslsock.Handle, up sslsock.Upcaller) *conn {
	return &conn{
		ctx:    ctx,
		handle: h,
		up:     up,
		fd:     -1,
		slot:   &sessionSlot{},
		bio:    newBIO(),
		rbuf:   make([]byte, maxChunk),
		rdBuf:  make([]byte, maxChunk),
	}
}

func (c *conn) logf(format string, args ...interface{}) {
	logging.Logf(logging.TypeEngine, "gotls %s: "+format, append([]interface{}{c.handle}, args...)...)
}

func (c *conn) SetFd(fd int) error {
	if fd < 0 {
		return fmt.Errorf("gotls: bad file descriptor %d", fd)
	}
	c.fd = fd
	return nil
}

func (c *conn) SetConnectState() { c.client = true }
func (c *conn) SetAcceptState()  { c.client = false }

func (c *conn) SetServerName(name string) error {
	c.serverName = name
	return nil
}

func (c *conn) SetNextProtos(protos []string) error {
	c.nextProtos = append([]string(nil), protos...)
	return nil
}

func (c *conn) SetVerifyMode(mode sslsock.VerifyMode) {
	c.verifyMode = &mode
}

func (c *conn) SetCipherList(names []string) error {
	ids, err := cipherSuiteIDs(names)
	if err != nil {
		return err
	}
	c.suites = ids
	return nil
}

func (c *conn) UseCertificate(cert *sslsock.Certificate) error {
	tc, err := tlsCertificate(cert)
	if err != nil {
		return err
	}
	c.cert = &tc
	return nil
}

func (c *conn) SetSession(s *sslsock.Session) error {
	if s == nil {
		c.slot.offer(nil)
		c.offered = nil
		return nil
	}
	state, ok := s.State.(*tls.ClientSessionState)
	if !ok || state == nil {
		return errNoResumption
	}
	c.slot.offer(state)
	c.offered = s
	return nil
}

func (c *conn) ErrorQueue() *sslsock.ErrorQueue { return &c.queue }
func (c *conn) Errno() error                     { return c.errno }

func (c *conn) GetError(ret int) sslsock.ErrorCode {
	if ret > 0 {
		return sslsock.ErrorNone
	}
	return c.last
}

// result records the classification of a primitive's return value.
func (c *conn) result(ret int, code sslsock.ErrorCode, errno error) int {
	c.last = code
	c.errno = errno
	return ret
}

func (c *conn) fail(err error) int {
	c.queue.Push(err)
	return c.result(-1, sslsock.ErrorSSL, nil)
}

func (c *conn) sysFail(err error) int {
	c.queue.Push(fmt.Errorf("gotls: socket: %w", err))
	return c.result(-1, sslsock.ErrorSyscall, err)
}

func (c *conn) want(pending bool) int {
	if pending {
		return c.result(-1, sslsock.ErrorWantWrite, nil)
	}
	return c.result(-1, sslsock.ErrorWantRead, nil)
}

func (c *conn) verify() sslsock.VerifyMode {
	if c.verifyMode != nil {
		return *c.verifyMode
	}
	if c.client {
		if c.ctx.insecure {
			return sslsock.VerifyNone
		}
		return sslsock.VerifyPeer
	}
	return c.ctx.verifyMode
}

func (c *conn) tlsConfig() *tls.Config {
	cfg := c.ctx.base.Clone()
	if c.serverName != "" {
		cfg.ServerName = c.serverName
	}
	if c.suites != nil {
		cfg.CipherSuites = c.suites
	}
	if c.nextProtos != nil {
		cfg.NextProtos = c.nextProtos
	}
	if c.cert != nil && !c.client {
		cfg.Certificates = []tls.Certificate{*c.cert}
	}

	mode := c.verify()
	if c.client {
		// Chain validation belongs to VerifyCertificateChain.
		cfg.InsecureSkipVerify = true
		if mode&sslsock.VerifyPeer != 0 {
			cfg.VerifyConnection = c.verifyConnection
		}
		cfg.GetClientCertificate = c.getClientCertificate
		if c.ctx.tickets {
			cfg.ClientSessionCache = c.slot
		}
		return cfg
	}

	switch {
	case mode&sslsock.VerifyFailIfNoPeerCert != 0:
		cfg.ClientAuth = tls.RequireAnyClientCert
	case mode&sslsock.VerifyPeer != 0:
		cfg.ClientAuth = tls.RequestClientCert
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	cfg.VerifyConnection = c.verifyConnection
	return cfg
}

func (c *conn) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	chain := make([][]byte, len(cs.PeerCertificates))
	for i, cert := range cs.PeerCertificates {
		chain[i] = cert.Raw
	}
	return c.up.VerifyCertificateChain(c.handle, chain, authMethod(cs.Version, cs.CipherSuite))
}

func (c *conn) getClientCertificate(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cert, err := c.up.ClientCertificateRequested(c.handle, keyTypes(cri.SignatureSchemes), cri.AcceptableCAs)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		if c.cert != nil {
			return c.cert, nil
		}
		return &tls.Certificate{}, nil
	}
	tc, err := tlsCertificate(cert)
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

// spawn runs f on a worker goroutine as operation o.
func (c *conn) spawn(o *op, f func() (int, error)) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		n, err := f()
		c.bio.complete(o, n, err)
	}()
}

func (c *conn) start() {
	cfg := c.tlsConfig()
	switch {
	case !c.client:
		c.tls = tls.Server(c.bio, cfg)
	case c.ctx.helloID != nil:
		c.tls = tls.UClient(c.bio, cfg, *c.ctx.helloID)
	default:
		c.tls = tls.Client(c.bio, cfg)
	}
	c.logf("starting handshake, client=%v", c.client)

	c.hs = &op{}
	c.spawn(c.hs, func() (int, error) {
		if err := c.tls.Handshake(); err != nil {
			return 0, err
		}
		return 0, c.up.HandshakeCompleted(c.handle)
	})
}

// fill moves whatever ciphertext the socket has into the transport.
func (c *conn) fill() error {
	total := 0
	for total < maxFill {
		n, err := fdRead(c.fd, c.rbuf)
		if err != nil {
			if wouldBlock(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			c.bio.feedEOF()
			return nil
		}
		c.sniffer.feed(c.rbuf[:n])
		c.bio.feed(c.rbuf[:n])
		total += n
	}
	return nil
}

// flush writes queued ciphertext to the socket. pending reports that some
// is still queued because the socket is full.
func (c *conn) flush() (pending bool, err error) {
	c.bio.mu.Lock()
	defer c.bio.mu.Unlock()
	for c.bio.out.Len() > 0 {
		n, err := fdWrite(c.fd, c.bio.out.Bytes())
		if err != nil {
			if wouldBlock(err) {
				return true, nil
			}
			return true, err
		}
		c.bio.out.Next(n)
	}
	return false, nil
}

// pump drives o as far as the socket allows.
func (c *conn) pump(o *op) (done, pending bool, err error) {
	if _, err = c.flush(); err != nil {
		return
	}
	if err = c.fill(); err != nil {
		return
	}
	c.bio.settle(o)
	if pending, err = c.flush(); err != nil {
		return
	}
	done, _, _ = c.bio.result(o)
	return
}

func (c *conn) DoHandshake() int {
	if c.hsDone {
		return c.result(1, sslsock.ErrorNone, nil)
	}
	if c.fd < 0 {
		return c.fail(errNoFd)
	}
	if c.hs == nil {
		c.start()
	}

	done, pending, err := c.pump(c.hs)
	if err != nil {
		return c.sysFail(err)
	}
	if !done {
		return c.want(pending)
	}
	if _, _, herr := c.bio.result(c.hs); herr != nil {
		return c.handshakeFailed(herr)
	}
	if pending {
		return c.want(true)
	}
	c.hsDone = true
	c.logf("handshake complete")
	return c.result(1, sslsock.ErrorNone, nil)
}

func (c *conn) handshakeFailed(err error) int {
	if (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) && c.bio.sawEOF() {
		if alert, ok := c.sniffer.alert(); ok {
			c.queue.Push(alert)
			return c.result(-1, sslsock.ErrorSSL, nil)
		}
		return c.result(0, sslsock.ErrorSyscall, nil)
	}
	c.queue.Push(err)
	if alert, ok := c.sniffer.alert(); ok {
		c.queue.Push(alert)
	}
	c.logf("handshake failed: %v", err)
	return c.result(-1, sslsock.ErrorSSL, nil)
}

func (c *conn) Read(p []byte) int {
	if !c.hsDone {
		return c.fail(errNotEstablished)
	}
	if c.plain.Len() > 0 {
		n, _ := c.plain.Read(p)
		return c.result(n, sslsock.ErrorNone, nil)
	}
	if c.readErr != nil {
		return c.readFailed()
	}

	if c.rd == nil {
		c.rd = &op{}
		c.spawn(c.rd, func() (int, error) { return c.tls.Read(c.rdBuf) })
	}
	done, pending, err := c.pump(c.rd)
	if err != nil {
		return c.sysFail(err)
	}
	if !done {
		return c.want(pending)
	}

	_, n, rerr := c.bio.result(c.rd)
	c.rd = nil
	if n > 0 {
		c.plain.Write(c.rdBuf[:n])
	}
	if rerr != nil {
		c.readErr = rerr
	}
	if c.plain.Len() > 0 {
		n, _ := c.plain.Read(p)
		return c.result(n, sslsock.ErrorNone, nil)
	}
	if c.readErr == nil {
		return c.want(false)
	}
	return c.readFailed()
}

func (c *conn) readFailed() int {
	switch {
	case errors.Is(c.readErr, io.EOF):
		c.peerClosed = true
		return c.result(0, sslsock.ErrorZeroReturn, nil)
	case errors.Is(c.readErr, io.ErrUnexpectedEOF):
		return c.result(0, sslsock.ErrorSyscall, nil)
	default:
		return c.fail(c.readErr)
	}
}

func (c *conn) Write(p []byte) int {
	if !c.hsDone {
		return c.fail(errNotEstablished)
	}
	if c.wrPending > 0 {
		pending, err := c.flush()
		if err != nil {
			return c.sysFail(err)
		}
		if pending {
			return c.want(true)
		}
		n := c.wrPending
		c.wrPending = 0
		return c.result(n, sslsock.ErrorNone, nil)
	}

	if len(p) > maxChunk {
		p = p[:maxChunk]
	}
	n, err := c.tls.Write(p)
	if err != nil {
		return c.fail(err)
	}
	pending, err := c.flush()
	if err != nil {
		return c.sysFail(err)
	}
	if pending {
		c.wrPending = n
		return c.want(true)
	}
	return c.result(n, sslsock.ErrorNone, nil)
}

// Shutdown sends close_notify once. It returns 1 when the peer's
// close_notify has also been seen and 0 otherwise.
func (c *conn) Shutdown() int {
	if !c.hsDone {
		return c.fail(errShutdownInInit)
	}
	if !c.sentClose {
		if err := c.tls.CloseWrite(); err != nil {
			return c.fail(err)
		}
		c.sentClose = true
	}
	pending, err := c.flush()
	if err != nil {
		return c.sysFail(err)
	}
	if pending {
		return c.want(true)
	}
	if c.peerClosed {
		return c.result(1, sslsock.ErrorNone, nil)
	}
	return c.result(0, sslsock.ErrorNone, nil)
}

func (c *conn) Session() *sslsock.Session {
	if !c.hsDone {
		return nil
	}
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	state, gen := c.slot.latest()
	if c.session != nil && c.sessionGen == gen {
		return c.session
	}

	cs := c.tls.ConnectionState()
	s := &sslsock.Session{
		ServerName:  cs.ServerName,
		Version:     cs.Version,
		CipherSuite: cs.CipherSuite,
		NextProto:   cs.NegotiatedProtocol,
		CreatedAt:   now(c.ctx.base),
		Resumed:     cs.DidResume,
	}
	if name := c.serverName; name != "" {
		s.ServerName = name
	} else if c.client && c.ctx.base.ServerName != "" {
		s.ServerName = c.ctx.base.ServerName
	}
	s.PeerCertificates = rawChain(cs.PeerCertificates)
	if !c.client && c.sniffer.hello != nil {
		fp, err := clientHelloDigest(c.sniffer.hello)
		if err != nil {
			c.logf("no ClientHello fingerprint: %v", err)
		}
		s.PeerFingerprint = fp
	}

	switch {
	case state != nil:
		s.State = state
	case cs.DidResume && c.offered != nil:
		s.State = c.offered.State
	}
	if cs.DidResume && c.offered != nil {
		s.ID = c.offered.ID
	} else {
		s.ID = sslsock.NewSessionID()
	}

	c.session = s
	c.sessionGen = gen
	return s
}

// Free stops the workers. Nothing may use c afterwards.
func (c *conn) Free() {
	c.bio.Close()
	c.workers.Wait()
	c.queue.Clear()
	c.logf("freed")
}

func now(cfg *tls.Config) time.Time {
	if cfg.Time != nil {
		return cfg.Time()
	}
	return time.Now()
}

func rawChain(certs []*x509.Certificate) [][]byte {
	out := make([][]byte, len(certs))
	for i, cert := range certs {
		out[i] = cert.Raw
	}
	return out
}
