// Package logging builds the shared zap logger for the publishing service.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger for the named service. Development mode writes
// colored console output; production mode writes sampled JSON with the
// service name stamped on every entry so aggregated logs stay attributable
// when several services share a sink.
func New(service string, development bool) (*zap.Logger, error) {
	fields := zap.Fields(zap.String("service", service))

	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build(fields)
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}

	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Request-path logs repeat heavily under load; keep the first burst per
	// tick and thin the rest so a hot polling endpoint cannot flood the sink.
	cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 10}
	logger, err := cfg.Build(fields)
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}
