package pinning

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bifurcation/sslsock"
	"github.com/bifurcation/sslsock/internal/logging"
)

// MismatchError is returned when a server presents a key that is not pinned
// for its origin.
type MismatchError struct {
	Origin string
	Got    []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("pinning: key %s is not pinned for %s", hex.EncodeToString(e.Got), e.Origin)
}

// Options configures a Verifier.
type Options struct {
	// Origin keys the pin, normally sslsock.SessionKey(host, port).
	Origin string
	// Roots, if set, are used to validate the chain before pins are
	// consulted. ServerName is then checked against the leaf.
	Roots      *x509.CertPool
	ServerName string
	// Lifetime defaults to DefaultLifetime.
	Lifetime time.Duration
	// Certificate is offered when a server asks for client authentication.
	Certificate *sslsock.Certificate
}

// Verifier implements sslsock.HandshakeCallbacks with trust on first use:
// the first key seen for an origin is pinned and later handshakes must
// present it. A pin is only written once the handshake completes, after
// the server has proved it holds the key. A Verifier serves one handshake
// at a time.
type Verifier struct {
	store *Store
	opts  Options

	mu      sync.Mutex
	pending *Record
}

var _ sslsock.HandshakeCallbacks = (*Verifier)(nil)

func NewVerifier(store *Store, opts Options) (*Verifier, error) {
	if store == nil {
		return nil, errors.New("pinning: nil store")
	}
	if opts.Origin == "" {
		return nil, errors.New("pinning: origin required")
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	return &Verifier{store: store, opts: opts}, nil
}

// SPKIHash returns the SHA-256 digest of cert's SubjectPublicKeyInfo.
func SPKIHash(cert *x509.Certificate) []byte {
	h := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return h[:]
}

func (v *Verifier) verifyChain(certs []*x509.Certificate) error {
	if v.opts.Roots == nil {
		return nil
	}
	inter := x509.NewCertPool()
	for _, c := range certs[1:] {
		inter.AddCert(c)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         v.opts.Roots,
		Intermediates: inter,
		DNSName:       v.opts.ServerName,
		CurrentTime:   v.store.now(),
	})
	return err
}

func (v *Verifier) VerifyCertificateChain(ctx context.Context, chain [][]byte, authMethod string) error {
	if len(chain) == 0 {
		return errors.New("pinning: server sent no certificate")
	}
	certs := make([]*x509.Certificate, 0, len(chain))
	for _, der := range chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("pinning: bad certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if err := v.verifyChain(certs); err != nil {
		return err
	}

	hash := SPKIHash(certs[0])
	now := v.store.now().Unix()
	rec, err := v.store.ReadPins(ctx, v.opts.Origin)
	switch {
	case errors.Is(err, ErrNotFound):
		logging.Logf(logging.TypePinning, "pinning %s to %x", v.opts.Origin, hash)
		rec = &Record{SPKIHashes: [][]byte{hash}, FirstSeen: now}
	case err != nil:
		return err
	case !rec.Matches(hash):
		logging.Logf(logging.TypePinning, "pin mismatch for %s: %x", v.opts.Origin, hash)
		v.mu.Lock()
		v.pending = nil
		v.mu.Unlock()
		return &MismatchError{Origin: v.opts.Origin, Got: hash}
	}

	rec.AuthMethod = authMethod
	rec.LastSeen = now
	v.mu.Lock()
	v.pending = rec
	v.mu.Unlock()
	return nil
}

func (v *Verifier) ClientCertificateRequested(ctx context.Context, keyTypes []string, issuers [][]byte) (*sslsock.Certificate, error) {
	logging.Logf(logging.TypePinning, "client certificate requested for %s (key types %v)", v.opts.Origin, keyTypes)
	return v.opts.Certificate, nil
}

// HandshakeCompleted stores the pin accepted by VerifyCertificateChain. A
// resumed handshake has none and stores nothing.
func (v *Verifier) HandshakeCompleted(ctx context.Context) error {
	logging.Logf(logging.TypePinning, "handshake with %s completed", v.opts.Origin)
	v.mu.Lock()
	rec := v.pending
	v.pending = nil
	v.mu.Unlock()
	if rec == nil {
		return nil
	}
	return v.store.StorePins(ctx, v.opts.Origin, rec, v.opts.Lifetime)
}
