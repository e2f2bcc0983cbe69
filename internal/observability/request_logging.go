package observability

import "sync/atomic"

// requestLoggingDisabled tracks whether per-request HTTP logging is turned
// off. Zero value means logging is enabled.
var requestLoggingDisabled atomic.Bool

// IsRequestLoggingEnabled reports whether per-request HTTP logging is on.
func IsRequestLoggingEnabled() bool {
	return !requestLoggingDisabled.Load()
}

// SetRequestLogging enables or disables per-request HTTP logging.
func SetRequestLogging(enabled bool) {
	requestLoggingDisabled.Store(!enabled)
}
