package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/scopecache"
)

var _ scopecache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "scopecache")}
}

func (l LogrusLogger) Debug(msg string, f scopecache.Fields) { l.log(logrus.DebugLevel, msg, f) }
func (l LogrusLogger) Info(msg string, f scopecache.Fields)  { l.log(logrus.InfoLevel, msg, f) }
func (l LogrusLogger) Warn(msg string, f scopecache.Fields)  { l.log(logrus.WarnLevel, msg, f) }
func (l LogrusLogger) Error(msg string, f scopecache.Fields) { l.log(logrus.ErrorLevel, msg, f) }

// log renames "err" to logrus.ErrorKey so formatters and hooks treat it as the entry's error.
func (l LogrusLogger) log(lvl logrus.Level, msg string, f scopecache.Fields) {
	if !l.E.Logger.IsLevelEnabled(lvl) {
		return
	}
	data := make(logrus.Fields, len(f))
	for k, v := range f {
		if k == "err" {
			k = logrus.ErrorKey
		}
		data[k] = v
	}
	l.E.WithFields(data).Log(lvl, msg)
}
