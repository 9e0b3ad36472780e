//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package gotls

import "github.com/bifurcation/sslsock"

func fdRead(fd int, p []byte) (int, error)  { return 0, sslsock.ErrUnsupportedPlatform }
func fdWrite(fd int, p []byte) (int, error) { return 0, sslsock.ErrUnsupportedPlatform }
func wouldBlock(err error) bool             { return false }
