package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// RedactedString creates a Zap field with redacted value and length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder wraps a zapcore.Encoder to redact sensitive fields.
// Both logger-scoped fields (With) and per-entry fields are covered.
type RedactingEncoder struct {
	zapcore.Encoder
	redactFields map[string]bool
	redactRegex  []*regexp.Regexp
}

// NewRedactingEncoder wraps an encoder with redaction rules.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}

	fields := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		if len(p) > 200 {
			return nil, fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{Encoder: base, redactFields: fields, redactRegex: patterns}, nil
}

func (e *RedactingEncoder) sensitiveKey(key string) bool {
	return e.redactFields[strings.ToLower(key)]
}

// redactValue returns the replacement for val, or "" when val is clean.
func (e *RedactingEncoder) redactValue(val string) string {
	for _, re := range e.redactRegex {
		if re.MatchString(val) {
			return "[REDACTED:pattern]"
		}
	}
	return ""
}

// scrubField returns a redacted copy of f when its key or value is sensitive.
func (e *RedactingEncoder) scrubField(f zapcore.Field) zapcore.Field {
	if e.sensitiveKey(f.Key) {
		return zap.String(f.Key, redacted)
	}
	if f.Type == zapcore.StringType {
		if r := e.redactValue(f.String); r != "" {
			return zap.String(f.Key, r)
		}
	}
	return f
}

// EncodeEntry scrubs per-entry fields before delegating.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if len(e.redactFields) == 0 && len(e.redactRegex) == 0 {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	scrubbed := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		scrubbed[i] = e.scrubField(f)
	}
	return e.Encoder.EncodeEntry(ent, scrubbed)
}

// AddString covers fields attached through With.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	if r := e.redactValue(val); r != "" {
		e.Encoder.AddString(key, r)
		return
	}
	e.Encoder.AddString(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitiveKey(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone keeps the redaction rules on the copy.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:      e.Encoder.Clone(),
		redactFields: e.redactFields,
		redactRegex:  e.redactRegex,
	}
}
