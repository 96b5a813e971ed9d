package capture

import (
	"log"
	"sync/atomic"
)

var debugLogging atomic.Bool

// SetDebugLogging включает подробные логи цикла чтения.
func SetDebugLogging(enabled bool) {
	debugLogging.Store(enabled)
}

func logDebugf(format string, args ...any) {
	if debugLogging.Load() {
		log.Printf(format, args...)
	}
}
