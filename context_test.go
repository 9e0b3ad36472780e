//go:build linux || darwin || freebsd || netbsd || openbsd

package sslsock

import (
	"errors"
	"testing"
	"time"
)

func TestConfigInitDefaults(t *testing.T) {
	c := &Config{}
	assertNotError(t, c.Init(), "Init failed")
	assertEquals(t, c.SessionCacheSize, defaultSessionCacheSize)
	assertEquals(t, c.MinVersion, uint16(VersionTLS12))
	assertEquals(t, c.MaxVersion, uint16(VersionTLS13))

	c = &Config{HandshakeTimeout: -time.Second}
	assertNotError(t, c.Init(), "Init failed")
	assertEquals(t, c.HandshakeTimeout, time.Duration(0))
}

func TestConfigInitRejects(t *testing.T) {
	for _, c := range []*Config{
		{MinVersion: VersionTLS13, MaxVersion: VersionTLS12},
		{VerifyMode: VerifyMode(0x10)},
		{VerifyMode: VerifyFailIfNoPeerCert},
	} {
		assertError(t, c.Init(), "bad config accepted")
	}
}

func TestConfigValidity(t *testing.T) {
	assertTrue(t, !(&Config{}).ValidForClient(), "empty client config valid")
	assertTrue(t, (&Config{ServerName: "example.com"}).ValidForClient(), "named client config invalid")
	assertTrue(t, (&Config{InsecureSkipVerify: true}).ValidForClient(), "insecure client config invalid")
	assertTrue(t, !(&Config{}).ValidForServer(), "server config without certificate valid")
}

func TestNewContextClonesConfig(t *testing.T) {
	config := &Config{ServerName: "a.example"}
	ctx, err := NewContext(&stubEngine{}, config)
	assertNotError(t, err, "NewContext failed")
	defer ctx.Free()

	config.ServerName = "b.example"
	assertEquals(t, ctx.Config().ServerName, "a.example")
	assertEquals(t, ctx.Config().SessionCacheSize, defaultSessionCacheSize)
}

func TestNewContextErrors(t *testing.T) {
	var ce *ConfigError
	_, err := NewContext(nil, nil)
	assertTrue(t, errors.As(err, &ce), "nil engine accepted")

	_, err = NewContext(&stubEngine{}, &Config{MinVersion: VersionTLS13, MaxVersion: VersionTLS10})
	assertTrue(t, errors.As(err, &ce), "inverted versions accepted")
	assertEquals(t, ce.Step, "initialize config")
}

func TestSessionKey(t *testing.T) {
	assertEquals(t, SessionKey("Example.COM", "443"), "example.com:443")
	assertEquals(t, SessionKey("bücher.example", "443"), "xn--bcher-kva.example:443")
	assertEquals(t, SessionKey("::1", "8443"), "[::1]:8443")
}

func TestSessionCache(t *testing.T) {
	ctx, err := NewContext(&stubEngine{}, &Config{SessionCacheSize: 2})
	assertNotError(t, err, "NewContext failed")
	defer ctx.Free()

	s1, s2, s3 := &Session{ServerName: "one"}, &Session{ServerName: "two"}, &Session{ServerName: "three"}
	ctx.CacheSession("one:443", s1)
	ctx.CacheSession("two:443", s2)

	got, ok := ctx.CachedSession("one:443")
	assertTrue(t, ok, "cached session missing")
	assertEquals(t, got, s1)

	// "two" is now least recently used.
	ctx.CacheSession("three:443", s3)
	_, ok = ctx.CachedSession("two:443")
	assertTrue(t, !ok, "least recently used session not evicted")

	ctx.ForgetSession("one:443")
	_, ok = ctx.CachedSession("one:443")
	assertTrue(t, !ok, "forgotten session still cached")

	ctx.CacheSession("nil:443", nil)
	_, ok = ctx.CachedSession("nil:443")
	assertTrue(t, !ok, "nil session cached")
}

func TestContextFree(t *testing.T) {
	ctx, err := NewContext(&stubEngine{}, nil)
	assertNotError(t, err, "NewContext failed")
	h := ctx.Handle()
	ctx.CacheSession("a:1", &Session{})

	ctx.Free()
	ctx.Free()

	_, err = LookupContext(h)
	assertTrue(t, errors.Is(err, ErrInvalidHandle), "freed context resolves")
	_, err = ctx.NewConn()
	assertEquals(t, err, ErrFreed)
	_, ok := ctx.CachedSession("a:1")
	assertTrue(t, !ok, "freed context returned a session")
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("cause")
	pe := &ProtocolError{Op: "read error", Code: ErrorSSL, Err: cause, Queue: []error{errors.New("queued")}}
	assertEquals(t, pe.Error(), "sslsock: read error (protocol error): cause; queued")
	assertTrue(t, errors.Is(pe, cause), "cause not wrapped")

	q := &ErrorQueue{}
	q.Push(errors.New("x"))
	q.Push(nil)
	assertEquals(t, q.Len(), 1)
	assertError(t, q.Err(), "queue error missing")
	err := protocolError("handshake aborted", ErrorSSL, nil, q)
	assertEquals(t, q.Len(), 0)
	assertEquals(t, len(err.(*ProtocolError).Queue), 1)

	te := &TimeoutError{Op: "read"}
	assertTrue(t, te.Timeout(), "timeout error is not a timeout")
	assertEquals(t, te.Error(), "sslsock: read timed out")
	assertTrue(t, !IsTimeout(cause), "plain error is a timeout")
}
