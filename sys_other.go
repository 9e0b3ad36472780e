//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package sslsock

import "time"

const maxSelectFd = 0

func newPipe() (r, w int, err error) { return -1, -1, ErrUnsupportedPlatform }

func setNonblock(fd int, nonblocking bool) error { return ErrUnsupportedPlatform }

func closeFd(fd int) {}

func writeToken(fd int) error { return ErrUnsupportedPlatform }

func drainToken(fd int) {}

func selectOnce(reason ErrorCode, fd, pipeR int, timeout time.Duration) (int, bool, error) {
	return -1, false, ErrUnsupportedPlatform
}

func isEINTR(err error) bool { return false }

func selectError(err error) error { return err }
