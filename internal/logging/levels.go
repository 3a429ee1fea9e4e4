package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug and is used for per-event chain walking
// output during verify and repair.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, supporting "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "trace") {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
