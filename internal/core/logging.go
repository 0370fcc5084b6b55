package core

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger. Verbose runs get a development logger
// on stderr, production environments get JSON output, and everything else is
// silent so CLI output stays clean.
func NewLogger(verbose bool, environment string) (*zap.Logger, error) {
	switch {
	case verbose:
		return zap.NewDevelopment()
	case environment == "production":
		return zap.NewProduction()
	default:
		return zap.NewNop(), nil
	}
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
