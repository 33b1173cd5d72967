package zap

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/scopecache"
)

var _ scopecache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names the logger so coordinator lines are easy to filter.
func New(l *zap.Logger) ZapLogger { return ZapLogger{L: l.Named("scopecache")} }

func (z ZapLogger) Debug(msg string, f scopecache.Fields) { z.log(zapcore.DebugLevel, msg, f) }
func (z ZapLogger) Info(msg string, f scopecache.Fields)  { z.log(zapcore.InfoLevel, msg, f) }
func (z ZapLogger) Warn(msg string, f scopecache.Fields)  { z.log(zapcore.WarnLevel, msg, f) }
func (z ZapLogger) Error(msg string, f scopecache.Fields) { z.log(zapcore.ErrorLevel, msg, f) }

// log builds fields only for lines the core will keep.
func (z ZapLogger) log(lvl zapcore.Level, msg string, f scopecache.Fields) {
	ce := z.L.Check(lvl, msg)
	if ce == nil {
		return
	}
	if len(f) == 0 {
		ce.Write()
		return
	}
	out := make([]zap.Field, 0, len(f))
	for _, k := range f.Keys() {
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		case scopecache.ScopeKey:
			out = append(out, zap.Stringer(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	ce.Write(out...)
}
