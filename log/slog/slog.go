package slog

import (
	"context"
	stdslog "log/slog"

	"github.com/unkn0wn-root/scopecache"
)

var _ scopecache.Logger = Logger{}

type Logger struct{ L *stdslog.Logger }

func (s Logger) Debug(msg string, f scopecache.Fields) { s.log(stdslog.LevelDebug, msg, f) }
func (s Logger) Info(msg string, f scopecache.Fields)  { s.log(stdslog.LevelInfo, msg, f) }
func (s Logger) Warn(msg string, f scopecache.Fields)  { s.log(stdslog.LevelWarn, msg, f) }
func (s Logger) Error(msg string, f scopecache.Fields) { s.log(stdslog.LevelError, msg, f) }

func (s Logger) log(lvl stdslog.Level, msg string, f scopecache.Fields) {
	ctx := context.Background()
	if !s.L.Enabled(ctx, lvl) {
		return
	}
	var attrs []stdslog.Attr
	if len(f) > 0 {
		attrs = make([]stdslog.Attr, 0, len(f))
		for _, k := range f.Keys() {
			attrs = append(attrs, stdslog.Any(k, f[k]))
		}
	}
	s.L.LogAttrs(ctx, lvl, msg, attrs...)
}
