package sslsock

import (
	"fmt"
	"sync"
	"time"
)

const (
	VersionTLS10 = 0x0301
	VersionTLS11 = 0x0302
	VersionTLS12 = 0x0303
	VersionTLS13 = 0x0304
)

// Config is the struct used to pass configuration settings to a Context.
// The settings for client and server are pretty different, but we just
// throw them all in here.
type Config struct {
	// Client fields
	ServerName string
	// InsecureSkipVerify skips the VerifyCertificateChain upcall on
	// clients. This should be used only for testing.
	InsecureSkipVerify bool
	// ClientHello names a ClientHello fingerprint for engines that can
	// imitate one ("golang", "chrome", "firefox", "ios", "randomized").
	ClientHello string

	// Server fields
	// VerifyMode controls client authentication on servers.
	VerifyMode VerifyMode

	// Shared fields
	Certificates           []*Certificate
	CipherSuites           []string
	NextProtos             []string
	MinVersion             uint16
	MaxVersion             uint16
	SessionTicketsDisabled bool

	// SessionCacheSize bounds the client session cache of a Context.
	SessionCacheSize int
	// HandshakeTimeout is the default handshake timeout for Sockets; zero
	// waits forever.
	HandshakeTimeout time.Duration

	// Time returns the current time. If Time is nil, time.Now is used.
	Time func() time.Time

	// The same config object can be shared among different contexts, so it
	// needs its own mutex
	mutex sync.RWMutex
}

// Clone returns a shallow clone of c. It is safe to clone a Config that is
// being used concurrently.
func (c *Config) Clone() *Config {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return &Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		ClientHello:        c.ClientHello,

		VerifyMode: c.VerifyMode,

		Certificates:           c.Certificates,
		CipherSuites:           c.CipherSuites,
		NextProtos:             c.NextProtos,
		MinVersion:             c.MinVersion,
		MaxVersion:             c.MaxVersion,
		SessionTicketsDisabled: c.SessionTicketsDisabled,

		SessionCacheSize: c.SessionCacheSize,
		HandshakeTimeout: c.HandshakeTimeout,
		Time:             c.Time,
	}
}

// Init fills in defaults and checks the settings for consistency.
func (c *Config) Init() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.SessionCacheSize <= 0 {
		c.SessionCacheSize = defaultSessionCacheSize
	}
	if c.MinVersion == 0 {
		c.MinVersion = VersionTLS12
	}
	if c.MaxVersion == 0 {
		c.MaxVersion = VersionTLS13
	}
	if c.MinVersion > c.MaxVersion {
		return fmt.Errorf("sslsock: MinVersion %#04x is above MaxVersion %#04x", c.MinVersion, c.MaxVersion)
	}
	if c.VerifyMode&^(VerifyPeer|VerifyFailIfNoPeerCert) != 0 {
		return fmt.Errorf("sslsock: unknown verify mode %#x", int(c.VerifyMode))
	}
	if c.VerifyMode&VerifyFailIfNoPeerCert != 0 && c.VerifyMode&VerifyPeer == 0 {
		return fmt.Errorf("sslsock: VerifyFailIfNoPeerCert requires VerifyPeer")
	}
	if c.HandshakeTimeout < 0 {
		c.HandshakeTimeout = 0
	}
	return nil
}

func (c *Config) ValidForServer() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.Certificates) > 0 &&
		len(c.Certificates[0].Chain) > 0 &&
		c.Certificates[0].PrivateKey != nil
}

func (c *Config) ValidForClient() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.ServerName) > 0 || c.InsecureSkipVerify
}

const defaultSessionCacheSize = 64
