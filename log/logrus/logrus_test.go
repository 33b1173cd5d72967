package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/scopecache"
)

func TestLogrusLoggerWritesFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	l.Error("isolation violation", scopecache.Fields{"scope": "reports|user=u1", "owner": "u2"})

	require.Len(t, hook.AllEntries(), 1)
	e := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, e.Level)
	assert.Equal(t, "isolation violation", e.Message)
	assert.Equal(t, "scopecache", e.Data["component"])
	assert.Equal(t, "u2", e.Data["owner"])
}

func TestLogrusLoggerMapsErrAndGatesLevel(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.InfoLevel)
	l := New(base)

	l.Debug("fetch failed", scopecache.Fields{"err": errors.New("dropped")})
	assert.Empty(t, hook.AllEntries())

	boom := errors.New("503")
	l.Warn("refetch failed", scopecache.Fields{"err": boom})
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, boom, hook.LastEntry().Data[logrus.ErrorKey])
}
