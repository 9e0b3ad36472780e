//go:build linux || darwin || freebsd || netbsd || openbsd

package sslsock

import (
	"time"
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "sslsock"
)

const (
	errMetaOpKey      = "op"
	errMetaOpPipe     = "pipe"
	errMetaOpNonblock = "set_nonblock"
	errMetaOpSelect   = "select"
	errMetaOpNotify   = "notify"
)

// select(2) cannot watch descriptors at or above FD_SETSIZE.
const maxSelectFd = int(unsafe.Sizeof(unix.FdSet{})) * 8

func sysError(msg string, op string, err error) error {
	return errors.New(msg,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithWrap(err),
	)
}

// newPipe returns a close-on-exec pipe with both ends non-blocking. Tokens
// are only ever drained opportunistically, and a full pipe already
// guarantees a wake.
func newPipe() (r, w int, err error) {
	p := make([]int, 2)
	if err = unix.Pipe(p); err != nil {
		return -1, -1, sysError("create cancellation pipe failed", errMetaOpPipe, err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err = unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return -1, -1, sysError("cancellation pipe non-blocking failed", errMetaOpNonblock, err)
		}
	}
	return p[0], p[1], nil
}

func setNonblock(fd int, nonblocking bool) error {
	if err := unix.SetNonblock(fd, nonblocking); err != nil {
		return sysError("toggle non-blocking mode failed", errMetaOpNonblock, err)
	}
	return nil
}

func closeFd(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

// writeToken puts one wake token into the pipe.
func writeToken(fd int) error {
	token := []byte{'*'}
	for {
		_, err := unix.Write(fd, token)
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return sysError("write wake token failed", errMetaOpNotify, err)
		}
	}
}

// drainToken removes at most one token. The token may already have been
// taken by another waiter, so an empty pipe is not an error.
func drainToken(fd int) {
	var token [1]byte
	for {
		_, err := unix.Read(fd, token[:])
		if err != unix.EINTR {
			return
		}
	}
}

// selectOnce performs a single select(2) over fd (for reading or writing,
// depending on reason) and the read end of the cancellation pipe. A zero
// timeout blocks indefinitely. It reports whether the pipe was signalled.
// EINTR is returned as-is for the caller to retry.
func selectOnce(reason ErrorCode, fd, pipeR int, timeout time.Duration) (n int, woken bool, err error) {
	var rfds, wfds unix.FdSet
	rfds.Zero()
	wfds.Zero()
	if reason == ErrorWantRead {
		rfds.Set(fd)
	} else {
		wfds.Set(fd)
	}
	rfds.Set(pipeR)

	maxFd := fd
	if pipeR > maxFd {
		maxFd = pipeR
	}

	var tv *unix.Timeval
	if timeout > 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err = unix.Select(maxFd+1, &rfds, &wfds, nil, tv)
	if err != nil {
		return -1, false, err
	}
	return n, n > 0 && rfds.IsSet(pipeR), nil
}

func isEINTR(err error) bool {
	return err == unix.EINTR
}

func selectError(err error) error {
	return sysError("select failed", errMetaOpSelect, err)
}
