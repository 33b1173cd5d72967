package scopecache

import (
	"maps"
	"slices"
)

// Fields carries structured context for a log line. Keys are short snake_case
// names (scope, epoch, err) so every adapter renders them the same way.
type Fields map[string]any

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string { return slices.Sorted(maps.Keys(f)) }

// Logger receives coordinator diagnostics. Adapters for zap, logrus and slog
// live under log/. A nil Options.Logger disables logging.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

func scopeFields(key ScopeKey, epoch uint64) Fields {
	return Fields{"scope": key.String(), "epoch": epoch}
}

func (f Fields) with(k string, v any) Fields {
	f[k] = v
	return f
}
