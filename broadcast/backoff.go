package broadcast

import (
	"log/slog"
	"time"
)

// backoffStep is a connect-retry delay paired with the log level the
// client uses when scheduling it. Grounded on the config-struct shape
// of e7canasta-orion-care-sensor/modules/stream-capture/internal/rtsp/reconnect.go's
// ReconnectConfig, generalized from exponential-with-cap to a fixed
// three-tier schedule.
type backoffStep struct {
	delay time.Duration
	level slog.Level
}

// backoffFor returns the delay and log level for the given 1-based
// connect attempt number:
//
//	attempt 1        -> 0ms,    info
//	attempts 2-9      -> 1000ms, warn
//	attempt >= 10     -> 5000ms, error
func backoffFor(attempt int) backoffStep {
	switch {
	case attempt <= 1:
		return backoffStep{delay: 0, level: slog.LevelInfo}
	case attempt < 10:
		return backoffStep{delay: 1000 * time.Millisecond, level: slog.LevelWarn}
	default:
		return backoffStep{delay: 5000 * time.Millisecond, level: slog.LevelError}
	}
}
