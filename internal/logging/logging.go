// Package logging provides the tagged debug logging shared by the sslsock
// packages. Output is off unless SSLSOCK_LOG names the tags to enable.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// We use this environment variable to control logging.  It should be a
// comma-separated list of log tags (see below) or "*" to enable all logging.
const ConfigVar = "SSLSOCK_LOG"

// Pre-defined log types
const (
	TypeHandshake = "handshake"
	TypeIO        = "io"
	TypeSelect    = "select"
	TypeUpcall    = "upcall"
	TypeEngine    = "engine"
	TypePinning   = "pinning"
	TypeVerbose   = "verbose"
)

var (
	mu       sync.RWMutex
	output   = log.Printf
	all      = false
	settings = map[string]bool{}
)

func init() {
	ParseEnv(os.Environ())
}

// ParseEnv (re)reads the logging configuration from an environment list in
// os.Environ form.
func ParseEnv(env []string) {
	mu.Lock()
	defer mu.Unlock()

	all = false
	settings = map[string]bool{}
	for _, stmt := range env {
		if !strings.HasPrefix(stmt, ConfigVar+"=") {
			continue
		}
		val := stmt[len(ConfigVar)+1:]
		if val == "*" {
			all = true
			continue
		}
		for _, t := range strings.Split(val, ",") {
			if t = strings.TrimSpace(t); t != "" {
				settings[t] = true
			}
		}
	}
}

// SetOutput replaces the printf-style sink. Passing nil restores log.Printf.
func SetOutput(f func(format string, args ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		f = log.Printf
	}
	output = f
}

// Enabled reports whether messages with the given tag are emitted.
func Enabled(tag string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return all || settings[tag]
}

func Logf(tag string, format string, args ...interface{}) {
	mu.RLock()
	on := all || settings[tag]
	out := output
	mu.RUnlock()
	if !on {
		return
	}
	out(fmt.Sprintf("[%s] %s", tag, format), args...)
}
