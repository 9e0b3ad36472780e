package sslsock

import "sync"

// library holds the process-wide registries. It is built once on first use
// and torn down by Cleanup.
type library struct {
	contexts *handleTable[*Context]
	conns    *handleTable[*Conn]
	sessions *handleTable[*Session]
	strs     map[ErrorCode]string
}

var (
	libMu   sync.Mutex
	libOnce = new(sync.Once)
	libInst *library
)

func lib() *library {
	libMu.Lock()
	once := libOnce
	libMu.Unlock()

	once.Do(func() {
		l := &library{
			contexts: newHandleTable[*Context](),
			conns:    newHandleTable[*Conn](),
			sessions: newHandleTable[*Session](),
			strs: map[ErrorCode]string{
				ErrorNone:           "no error",
				ErrorSSL:            "protocol error",
				ErrorWantRead:       "want read",
				ErrorWantWrite:      "want write",
				ErrorWantX509Lookup: "want certificate lookup",
				ErrorSyscall:        "system call error",
				ErrorZeroReturn:     "connection closed",
				ErrorWantConnect:    "want connect",
			},
		}
		libMu.Lock()
		libInst = l
		libMu.Unlock()
		logf(logTypeVerbose, "library initialized")
	})

	libMu.Lock()
	defer libMu.Unlock()
	return libInst
}

func errorStrings() map[ErrorCode]string {
	return lib().strs
}

// Cleanup interrupts and frees every live connection, session and context,
// then resets the library so the next use initializes it again. It must not
// race with operations on the objects it frees.
func Cleanup() {
	l := lib()
	for _, c := range l.conns.snapshot() {
		c.Interrupt()
		c.Free()
	}
	for _, s := range l.sessions.snapshot() {
		s.Free()
	}
	for _, c := range l.contexts.snapshot() {
		c.Free()
	}

	libMu.Lock()
	libOnce = new(sync.Once)
	libInst = nil
	libMu.Unlock()
	logf(logTypeVerbose, "library cleaned up")
}
