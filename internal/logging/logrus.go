package logging

import (
	"context"
	"io"
	"log/slog"
	"sort"

	"github.com/sirupsen/logrus"
)

// NewLogrusEntry returns a logrus entry whose records are forwarded to logger.
// The Firecracker SDK only accepts logrus, everything else in vessel logs
// through slog.
func NewLogrusEntry(logger *slog.Logger) *logrus.Entry {
	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.TraceLevel)
	base.AddHook(&slogHook{logger: Ensure(logger)})
	return logrus.NewEntry(base)
}

type slogHook struct {
	logger *slog.Logger
}

func (h *slogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *slogHook) Fire(entry *logrus.Entry) error {
	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	level := slogLevel(entry.Level)
	if !h.logger.Enabled(ctx, level) {
		return nil
	}

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, entry.Data[key])
	}
	h.logger.Log(ctx, level, entry.Message, args...)
	return nil
}

func slogLevel(level logrus.Level) slog.Level {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return slog.LevelError
	case logrus.WarnLevel:
		return slog.LevelWarn
	case logrus.InfoLevel:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
