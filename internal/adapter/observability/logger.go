package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/listing-intake/internal/config"
)

// SetupLogger configures the process-wide JSON slog logger. Both binaries
// write to stdout; the proc field tells the api and worker streams apart once
// they land in a shared sink.
func SetupLogger(cfg config.Config, proc string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg)})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("proc", proc),
		slog.String("env", cfg.AppEnv),
	)
}

// logLevel keeps dev chatty and test runs quiet.
func logLevel(cfg config.Config) slog.Level {
	switch {
	case cfg.IsDev():
		return slog.LevelDebug
	case cfg.IsTest():
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
