// Package gotls is an sslsock engine built on the utls fork of crypto/tls.
//
// crypto/tls wants a blocking net.Conn, so each connection runs the TLS
// stack on a worker goroutine over an in-memory transport. Engine
// primitives shuttle ciphertext between the socket and that transport and
// return as soon as the stack needs bytes the socket does not have.
package gotls

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/bifurcation/sslsock"
	"github.com/bifurcation/sslsock/internal/logging"
	tls "github.com/refraction-networking/utls"
)

var errContextFreed = errors.New("gotls: context has been freed")

var helloIDs = map[string]tls.ClientHelloID{
	"chrome":     tls.HelloChrome_Auto,
	"firefox":    tls.HelloFirefox_Auto,
	"ios":        tls.HelloIOS_Auto,
	"randomized": tls.HelloRandomized,
}

// Engine creates utls-backed contexts.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) NewContext(config *sslsock.Config) (sslsock.EngineContext, error) {
	base := &tls.Config{
		ServerName:             config.ServerName,
		NextProtos:             config.NextProtos,
		MinVersion:             config.MinVersion,
		MaxVersion:             config.MaxVersion,
		SessionTicketsDisabled: config.SessionTicketsDisabled,
		Time:                   config.Time,
	}

	for _, cert := range config.Certificates {
		tc, err := tlsCertificate(cert)
		if err != nil {
			return nil, err
		}
		base.Certificates = append(base.Certificates, tc)
	}

	if len(config.CipherSuites) > 0 {
		ids, err := cipherSuiteIDs(config.CipherSuites)
		if err != nil {
			return nil, err
		}
		base.CipherSuites = ids
	}

	// Every connection clones base, so the ticket keys must be fixed here
	// for sessions to resume across connections.
	if !config.SessionTicketsDisabled {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("gotls: session ticket key: %w", err)
		}
		base.SetSessionTicketKeys([][32]byte{key})
	}

	ctx := &engineContext{
		base:       base,
		verifyMode: config.VerifyMode,
		insecure:   config.InsecureSkipVerify,
		tickets:    !config.SessionTicketsDisabled,
	}
	switch name := strings.ToLower(config.ClientHello); name {
	case "", "golang":
	default:
		id, ok := helloIDs[name]
		if !ok {
			return nil, fmt.Errorf("gotls: unknown ClientHello fingerprint %q", config.ClientHello)
		}
		ctx.helloID = &id
	}
	logging.Logf(logging.TypeEngine, "gotls context: versions %#04x-%#04x, %d certificates, hello %q",
		base.MinVersion, base.MaxVersion, len(base.Certificates), config.ClientHello)
	return ctx, nil
}

type engineContext struct {
	base       *tls.Config
	helloID    *tls.ClientHelloID
	verifyMode sslsock.VerifyMode
	insecure   bool
	tickets    bool
	freed      atomic.Bool
}

func (c *engineContext) NewConn(h sslsock.Handle, up sslsock.Upcaller) (sslsock.EngineConn, error) {
	if c.freed.Load() {
		return nil, errContextFreed
	}
	return newConn(c, h, up), nil
}

func (c *engineContext) Free() {
	c.freed.Store(true)
}

func tlsCertificate(cert *sslsock.Certificate) (tls.Certificate, error) {
	if cert == nil || len(cert.Chain) == 0 || cert.PrivateKey == nil {
		return tls.Certificate{}, errors.New("gotls: certificate needs a chain and a private key")
	}
	tc := tls.Certificate{
		PrivateKey: cert.PrivateKey,
		Leaf:       cert.Chain[0],
	}
	for _, c := range cert.Chain {
		tc.Certificate = append(tc.Certificate, c.Raw)
	}
	return tc, nil
}

// cipherSuiteIDs maps suite names (as printed by tls.CipherSuiteName) to
// IDs. TLS 1.3 suites are accepted but have no effect.
func cipherSuiteIDs(names []string) ([]uint16, error) {
	known := map[string]uint16{}
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("gotls: no cipher match for %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// authMethod names the key exchange and authentication of the negotiated
// suite, e.g. "ECDHE_RSA". TLS 1.3 suites do not fix one.
func authMethod(version, suite uint16) string {
	if version == tls.VersionTLS13 {
		return "GENERIC"
	}
	name := strings.TrimPrefix(tls.CipherSuiteName(suite), "TLS_")
	if i := strings.Index(name, "_WITH_"); i > 0 {
		return name[:i]
	}
	return "UNKNOWN"
}

// keyTypes summarizes the signature schemes a server accepts for client
// certificates.
func keyTypes(schemes []tls.SignatureScheme) []string {
	var out []string
	seen := map[string]bool{}
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, s := range schemes {
		switch s {
		case tls.PKCS1WithSHA1, tls.PKCS1WithSHA256, tls.PKCS1WithSHA384, tls.PKCS1WithSHA512,
			tls.PSSWithSHA256, tls.PSSWithSHA384, tls.PSSWithSHA512:
			add("RSA")
		case tls.ECDSAWithSHA1, tls.ECDSAWithP256AndSHA256, tls.ECDSAWithP384AndSHA384, tls.ECDSAWithP521AndSHA512:
			add("EC")
		case tls.Ed25519:
			add("Ed25519")
		}
	}
	return out
}
