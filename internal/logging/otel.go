package logging

import (
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newCore tees the redacted console/json core with the OTEL bridge.
func newCore(cfg *Config, sink zapcore.WriteSyncer, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stderr {
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, sink, cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("ctxd", otelzap.WithLoggerProvider(otelProvider)))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("at least one output must be enabled and available")
	case 1:
		return cores[0], nil
	default:
		return zapcore.NewTee(cores...), nil
	}
}
