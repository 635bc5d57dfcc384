// Package debug holds the process-wide verbose-logging flag the
// sources consult before emitting per-object trace lines.
package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	// Read the environment on package load so debug logging works in
	// tests and bindings that never go through a main function.
	InitFromEnv()
}

// Enabled reports whether verbose debug logging is on.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled turns verbose debug logging on or off.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv enables debug logging when QUOCO_DEBUG=true or
// QUOCO_LOG_LEVEL=debug is set.
func InitFromEnv() {
	if os.Getenv("QUOCO_DEBUG") == "true" {
		SetEnabled(true)
		return
	}
	if os.Getenv("QUOCO_LOG_LEVEL") == "debug" {
		SetEnabled(true)
		return
	}
	SetEnabled(false)
}

// InitFromLogLevel sets the flag from a configured log level, unless
// an environment variable already decided it.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("QUOCO_DEBUG") == "" && os.Getenv("QUOCO_LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}
