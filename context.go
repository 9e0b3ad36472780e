package sslsock

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/idna"
)

// Context carries the protocol configuration shared by the connections
// created from it, along with a cache of client sessions.
type Context struct {
	handle Handle
	lib    *library
	config *Config
	engine EngineContext

	// cacheMu orders cache updates; refs counts the cache entries holding
	// each session. A session nobody holds is freed.
	sessions *lru.Cache[string, *Session]
	cacheMu  sync.Mutex
	refsMu   sync.Mutex
	refs     map[*Session]int

	freed    atomic.Bool
	freeOnce sync.Once
}

// NewContext validates config and creates the engine context. The config
// is cloned; later changes to it do not affect the Context.
func NewContext(engine Engine, config *Config) (*Context, error) {
	if engine == nil {
		return nil, configError("create context", errNilEngine)
	}
	if config == nil {
		config = &Config{}
	}
	config = config.Clone()
	if err := config.Init(); err != nil {
		return nil, configError("initialize config", err)
	}

	ec, err := engine.NewContext(config)
	if err != nil {
		return nil, configError("create engine context", err)
	}

	l := lib()
	c := &Context{
		handle: nextHandle(),
		lib:    l,
		config: config,
		engine: ec,
		refs:   make(map[*Session]int),
	}
	c.sessions, err = lru.NewWithEvict[string, *Session](config.SessionCacheSize, func(key string, s *Session) {
		logf(logTypeVerbose, "session cache evicted %s", key)
		c.release(s)
	})
	if err != nil {
		ec.Free()
		return nil, configError("create session cache", err)
	}
	l.contexts.put(c.handle, c)
	logf(logTypeVerbose, "context %s created", c.handle)
	return c, nil
}

func (c *Context) Handle() Handle { return c.handle }

// Config returns a copy of the context's configuration.
func (c *Context) Config() *Config { return c.config.Clone() }

// NewConn creates a connection object. It is not bound to a socket until
// Handshake.
func (c *Context) NewConn() (*Conn, error) {
	if c.freed.Load() {
		return nil, ErrFreed
	}
	h := nextHandle()
	ec, err := c.engine.NewConn(h, trampoline{lib: c.lib})
	if err != nil {
		return nil, configError("create engine connection", err)
	}
	conn := &Conn{
		handle: h,
		lib:    c.lib,
		ctx:    c,
		engine: ec,
		fd:     -1,
	}
	c.lib.conns.put(h, conn)
	logf(logTypeHandshake, "connection %s created", h)
	return conn, nil
}

// SessionKey normalizes host (IDNA, lower case) and joins it with port.
func SessionKey(host, port string) string {
	h, err := idna.Lookup.ToASCII(host)
	if err != nil {
		h = host
	}
	return net.JoinHostPort(strings.ToLower(h), port)
}

// CacheSession stores s for later resumption under key (see SessionKey).
// The cache owns s from then on: it is freed once no key holds it. A session
// replaced under key is released the same way.
func (c *Context) CacheSession(key string, s *Session) {
	if s == nil || c.freed.Load() {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	old, replaced := c.sessions.Peek(key)
	if replaced && old == s {
		c.sessions.Get(key)
		return
	}
	c.retain(s)
	c.sessions.Add(key, s)
	if replaced {
		c.release(old)
	}
}

// CachedSession returns the session stored under key, if any.
func (c *Context) CachedSession(key string) (*Session, bool) {
	if c.freed.Load() {
		return nil, false
	}
	return c.sessions.Get(key)
}

// ForgetSession drops key from the session cache, freeing its session
// unless another key still holds it.
func (c *Context) ForgetSession(key string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.sessions.Remove(key)
}

func (c *Context) retain(s *Session) {
	c.refsMu.Lock()
	c.refs[s]++
	c.refsMu.Unlock()
}

func (c *Context) release(s *Session) {
	c.refsMu.Lock()
	c.refs[s]--
	n := c.refs[s]
	if n <= 0 {
		delete(c.refs, s)
	}
	c.refsMu.Unlock()
	if n <= 0 {
		s.Free()
	}
}

// releaseUnlessCached frees s if no cache entry holds it.
func (c *Context) releaseUnlessCached(s *Session) {
	if s == nil {
		return
	}
	c.refsMu.Lock()
	held := c.refs[s] > 0
	c.refsMu.Unlock()
	if !held {
		s.Free()
	}
}

// Free releases the engine context. Connections created from it must be
// freed first.
func (c *Context) Free() {
	c.freeOnce.Do(func() {
		c.freed.Store(true)
		c.cacheMu.Lock()
		c.sessions.Purge()
		c.cacheMu.Unlock()
		c.engine.Free()
		c.lib.contexts.remove(c.handle)
		logf(logTypeVerbose, "context %s freed", c.handle)
	})
}
