// Package log sets up an op/go-logging logger the way krd's top-level
// logging.go does: one formatter for interactive stderr output, a leveled
// backend whose default can be overridden by an environment variable.
package log

import (
	"os"

	"github.com/op/go-logging"
)

var Log = logging.MustGetLogger("rpc")

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} rpc ▶ %{level:.4s} %{message}%{color:reset}`,
)

// SetupLogging installs a stderr backend at defaultLevel, or at the level
// named by the RPC_LOG_LEVEL environment variable when it is set.
func SetupLogging(prefix string, defaultLevel logging.Level) *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, prefix, 0)
	logging.SetFormatter(stderrFormat)
	leveled := logging.AddModuleLevel(backend)

	switch os.Getenv("RPC_LOG_LEVEL") {
	case "CRITICAL":
		leveled.SetLevel(logging.CRITICAL, "")
	case "ERROR":
		leveled.SetLevel(logging.ERROR, "")
	case "WARNING":
		leveled.SetLevel(logging.WARNING, "")
	case "NOTICE":
		leveled.SetLevel(logging.NOTICE, "")
	case "INFO":
		leveled.SetLevel(logging.INFO, "")
	case "DEBUG":
		leveled.SetLevel(logging.DEBUG, "")
	default:
		leveled.SetLevel(defaultLevel, "")
	}

	logging.SetBackend(leveled)
	return Log
}
