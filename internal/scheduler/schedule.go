// ABOUTME: cron.Schedule that fires a fixed delay after the previous firing
// ABOUTME: Plus an adapter routing cron's internal logging through slog

package scheduler

import (
	"log/slog"
	"time"
)

// fixedInterval fires every d after the previous fire, without wall-clock
// alignment or second rounding.
type fixedInterval struct {
	d time.Duration
}

func (f fixedInterval) Next(t time.Time) time.Time {
	return t.Add(f.d)
}

// cronLogger satisfies cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
