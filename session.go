package sslsock

import (
	"crypto/rand"
	"crypto/x509"
	"sync"
	"time"
)

// Session is an established TLS session. It can be kept after its
// connection is freed and offered to a later connection with SetSession.
type Session struct {
	ID               []byte
	ServerName       string
	Version          uint16
	CipherSuite      uint16
	NextProto        string
	CreatedAt        time.Time
	PeerCertificates [][]byte
	Resumed          bool

	// PeerFingerprint is the JA3 digest of the client's ClientHello. Only
	// servers fill it in, and only for engines that can.
	PeerFingerprint string

	// State is the engine's resumption state. Only the engine that
	// produced it can use it.
	State any

	mu     sync.Mutex
	handle Handle
	lib    *library
	freed  bool
}

// NewSessionID returns a random opaque identifier for engines that have
// none of their own.
func NewSessionID() []byte {
	id := make([]byte, 16)
	rand.Read(id)
	return id
}

// register gives s a handle in l, once.
func (s *Session) register(l *library) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != 0 && !s.freed {
		return s
	}
	s.handle = nextHandle()
	s.lib = l
	s.freed = false
	l.sessions.put(s.handle, s)
	return s
}

func (s *Session) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Valid reports whether s is registered and not freed.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != 0 && !s.freed
}

// Free drops the session's handle. The session data stays readable.
func (s *Session) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed || s.lib == nil {
		return
	}
	s.freed = true
	s.lib.sessions.remove(s.handle)
}

// PeerCertificateChain parses PeerCertificates.
func (s *Session) PeerCertificateChain() ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(s.PeerCertificates))
	for _, der := range s.PeerCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
