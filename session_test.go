//go:build linux || darwin || freebsd || netbsd || openbsd

package sslsock

import (
	"context"
	"testing"
)

func newSessionEngine() *stubEngine {
	return &stubEngine{setup: func(sc *stubConn) {
		sc.session = &Session{ServerName: "server.example"}
	}}
}

func TestSocketsReleaseSessions(t *testing.T) {
	before := lib().sessions.len()

	sctx, err := NewContext(newSessionEngine(), nil)
	assertNotError(t, err, "NewContext failed")
	defer sctx.Free()
	ln, err := Listen("tcp", "127.0.0.1:0", sctx, &acceptCallbacks{})
	assertNotError(t, err, "Listen failed")
	defer ln.Close()

	cctx, err := NewContext(newSessionEngine(), &Config{ServerName: "server.example"})
	assertNotError(t, err, "NewContext failed")

	for i := 0; i < 20; i++ {
		accepted := make(chan *Socket, 1)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				accepted <- nil
				return
			}
			s := conn.(*Socket)
			s.Handshake(context.Background())
			accepted <- s
		}()

		c, err := Dial("tcp", ln.Addr().String(), cctx, &acceptCallbacks{})
		assertNotError(t, err, "Dial failed")
		assertNotError(t, c.Handshake(context.Background()), "client handshake failed")
		assertNotNil(t, c.Session(), "client has no session")

		s := <-accepted
		assertTrue(t, s != nil, "accept failed")
		assertTrue(t, s.Session().Valid(), "server session not registered")
		s.Close()
		c.Close()
	}

	// Only the client's cached session is left.
	assertEquals(t, lib().sessions.len(), before+1)
	cctx.Free()
	assertEquals(t, lib().sessions.len(), before)
}

func TestSessionCacheFreesDroppedSessions(t *testing.T) {
	ctx, err := NewContext(&stubEngine{}, &Config{SessionCacheSize: 2})
	assertNotError(t, err, "NewContext failed")
	defer ctx.Free()

	reg := func() *Session { return (&Session{}).register(lib()) }
	a, b, c, d := reg(), reg(), reg(), reg()

	// One session under two keys survives losing one of them.
	ctx.CacheSession("a:1", a)
	ctx.CacheSession("a:2", a)
	ctx.ForgetSession("a:1")
	assertTrue(t, a.Valid(), "session freed while still cached")
	ctx.ForgetSession("a:2")
	assertTrue(t, !a.Valid(), "forgotten session not freed")

	ctx.CacheSession("b:1", b)
	ctx.CacheSession("b:1", c)
	assertTrue(t, !b.Valid(), "replaced session not freed")
	assertTrue(t, c.Valid(), "cached session freed")

	// Re-adding the same session keeps it.
	ctx.CacheSession("b:1", c)
	assertTrue(t, c.Valid(), "re-cached session freed")

	ctx.CacheSession("d:1", d)
	ctx.CacheSession("e:1", reg())
	assertTrue(t, !c.Valid(), "evicted session not freed")

	ctx.Free()
	assertTrue(t, !d.Valid(), "purged session not freed")

	ctx.releaseUnlessCached(nil)
}
