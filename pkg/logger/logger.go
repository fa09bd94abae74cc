package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// InitLogger sets up the process-wide zerolog logger and installs it as the
// default context logger.
func InitLogger(level string) *zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}

	logger := zerolog.New(consoleWriter).
		With().
		Timestamp().
		Caller().
		Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DefaultContextLogger = &logger
	return &logger
}

// Logger returns the logger embedded in ctx, falling back to the default
// context logger.
func Logger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
