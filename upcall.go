package sslsock

import "fmt"

// trampoline is the Upcaller handed to engines. It resolves the connection
// by handle on every call, so an engine holding a stale handle gets an
// error instead of someone else's callbacks.
type trampoline struct {
	lib *library
}

func (t trampoline) resolve(h Handle, upcall string) (*appData, error) {
	c, ok := t.lib.conns.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s for connection %s", ErrInvalidHandle, upcall, h)
	}
	st := c.state.Load()
	if st == nil {
		return nil, fmt.Errorf("%w: %s for connection %s", ErrUpcallUnbound, upcall, h)
	}
	return st, nil
}

func (t trampoline) VerifyCertificateChain(h Handle, chain [][]byte, authMethod string) error {
	st, err := t.resolve(h, "verifyCertificateChain")
	if err != nil {
		return err
	}
	env, cb, err := st.binding()
	if err != nil {
		logf(logTypeUpcall, "verifyCertificateChain on %s: %v", h, err)
		return err
	}
	logf(logTypeUpcall, "verifyCertificateChain on %s: %d certificates, auth %s", h, len(chain), authMethod)
	if err := cb.VerifyCertificateChain(env, chain, authMethod); err != nil {
		st.failUpcall(err)
		return err
	}
	return nil
}

func (t trampoline) ClientCertificateRequested(h Handle, keyTypes []string, issuers [][]byte) (*Certificate, error) {
	st, err := t.resolve(h, "clientCertificateRequested")
	if err != nil {
		return nil, err
	}
	env, cb, err := st.binding()
	if err != nil {
		logf(logTypeUpcall, "clientCertificateRequested on %s: %v", h, err)
		return nil, err
	}
	logf(logTypeUpcall, "clientCertificateRequested on %s: key types %v, %d issuers", h, keyTypes, len(issuers))
	cert, err := cb.ClientCertificateRequested(env, keyTypes, issuers)
	if err != nil {
		st.failUpcall(err)
		return nil, err
	}
	return cert, nil
}

// HandshakeCompleted fires the completion upcall and then drops the
// callbacks for the rest of the connection's life.
func (t trampoline) HandshakeCompleted(h Handle) error {
	st, err := t.resolve(h, "handshakeCompleted")
	if err != nil {
		return err
	}
	env, cb, err := st.binding()
	if err != nil {
		logf(logTypeUpcall, "handshakeCompleted on %s: %v", h, err)
		return err
	}
	logf(logTypeUpcall, "handshakeCompleted on %s", h)
	err = cb.HandshakeCompleted(env)
	st.releaseCallbacks()
	if err != nil {
		st.failUpcall(err)
	}
	return err
}
