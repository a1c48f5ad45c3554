package broadcast

import (
	"log/slog"
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		delay   time.Duration
		level   slog.Level
	}{
		{1, 0, slog.LevelInfo},
		{2, 1000 * time.Millisecond, slog.LevelWarn},
		{9, 1000 * time.Millisecond, slog.LevelWarn},
		{10, 5000 * time.Millisecond, slog.LevelError},
		{100, 5000 * time.Millisecond, slog.LevelError},
	}
	for _, tc := range cases {
		got := backoffFor(tc.attempt)
		if got.delay != tc.delay || got.level != tc.level {
			t.Errorf("attempt %d: got {%v %v}, want {%v %v}", tc.attempt, got.delay, got.level, tc.delay, tc.level)
		}
	}
}
