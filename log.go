package sslsock

import "github.com/bifurcation/sslsock/internal/logging"

const (
	logTypeHandshake = logging.TypeHandshake
	logTypeIO        = logging.TypeIO
	logTypeSelect    = logging.TypeSelect
	logTypeUpcall    = logging.TypeUpcall
	logTypeVerbose   = logging.TypeVerbose
)

func logf(tag string, format string, args ...interface{}) {
	logging.Logf(tag, format, args...)
}
