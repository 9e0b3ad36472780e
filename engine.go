package sslsock

import (
	"crypto"
	"crypto/x509"
	"errors"
	"sync"
)

// ErrorCode classifies the result of an engine primitive, the way
// SSL_get_error does for OpenSSL.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorSSL
	ErrorWantRead
	ErrorWantWrite
	ErrorWantX509Lookup
	ErrorSyscall
	ErrorZeroReturn
	ErrorWantConnect
)

func (c ErrorCode) String() string {
	if s, ok := errorStrings()[c]; ok {
		return s
	}
	return "unknown error"
}

func (c ErrorCode) wantsIO() bool {
	return c == ErrorWantRead || c == ErrorWantWrite
}

// VerifyMode selects when the peer's certificate chain is requested and
// handed to VerifyCertificateChain.
type VerifyMode int

const (
	VerifyNone             VerifyMode = 0x00
	VerifyPeer             VerifyMode = 0x01
	VerifyFailIfNoPeerCert VerifyMode = 0x02
)

type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
}

// Engine is the TLS library a Context is built on.
type Engine interface {
	NewContext(config *Config) (EngineContext, error)
}

type EngineContext interface {
	NewConn(h Handle, up Upcaller) (EngineConn, error)
	Free()
}

// EngineConn is one engine connection object. DoHandshake, Read, Write and
// Shutdown never block on the socket; they return a code that GetError
// classifies. Read and Write are never invoked concurrently with each other.
type EngineConn interface {
	SetFd(fd int) error
	SetConnectState()
	SetAcceptState()

	DoHandshake() int
	Read(b []byte) int
	Write(b []byte) int
	Shutdown() int

	GetError(ret int) ErrorCode
	// Errno is the OS error behind the last ErrorSyscall, or nil.
	Errno() error
	ErrorQueue() *ErrorQueue

	// Session returns the engine's current session, or nil.
	Session() *Session
	SetSession(s *Session) error
	SetVerifyMode(mode VerifyMode)
	SetCipherList(names []string) error
	UseCertificate(cert *Certificate) error
	SetServerName(name string) error
	SetNextProtos(protos []string) error

	Free()
}

// Upcaller is handed to an engine connection. The engine calls it
// synchronously from inside DoHandshake (or Read/Write) when it needs a
// decision from the application.
type Upcaller interface {
	VerifyCertificateChain(h Handle, chain [][]byte, authMethod string) error
	ClientCertificateRequested(h Handle, keyTypes []string, issuers [][]byte) (*Certificate, error)
	HandshakeCompleted(h Handle) error
}

// ErrorQueue accumulates diagnostics for one engine connection. It stands
// in for OpenSSL's per-thread error queue; goroutines have no thread-local
// storage, so the queue travels with the connection.
type ErrorQueue struct {
	mu   sync.Mutex
	errs []error
}

func (q *ErrorQueue) Push(err error) {
	if err == nil {
		return
	}
	q.mu.Lock()
	q.errs = append(q.errs, err)
	q.mu.Unlock()
}

// Drain returns the queued errors and empties the queue.
func (q *ErrorQueue) Drain() []error {
	q.mu.Lock()
	defer q.mu.Unlock()
	errs := q.errs
	q.errs = nil
	return errs
}

func (q *ErrorQueue) Clear() {
	q.mu.Lock()
	q.errs = nil
	q.mu.Unlock()
}

func (q *ErrorQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.errs)
}

// Err joins the queued errors without draining them.
func (q *ErrorQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return errors.Join(q.errs...)
}
