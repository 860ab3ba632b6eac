package model

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// LevelTrace sits below slog.LevelDebug and is used for per-token logging.
const LevelTrace slog.Level = -8

// Trace logs msg at LevelTrace on the default logger when that level is enabled.
func Trace(msg string, args ...any) {
	logger := slog.Default()
	if !logger.Enabled(context.TODO(), LevelTrace) {
		return
	}

	pc, _, _, _ := runtime.Caller(1)
	record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
	record.Add(args...)
	_ = logger.Handler().Handle(context.TODO(), record)
}
