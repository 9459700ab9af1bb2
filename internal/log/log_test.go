package log

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
	assert.True(t, GetLogger().IsInfoEnabled())
}

func TestFormatter(t *testing.T) {
	f := &formatter{pattern: "%time [%level] %msg %field", time: "15:04:05"}
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "fragment table full",
		Data:    logrus.Fields{"path": "10.0.0.1:9993", "count": 64},
	}
	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "03:04:05 [WARNING] fragment table full count=64 path=10.0.0.1:9993", string(out))
}

func TestInitByConfig_FileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vl1.log")
	l, err := initByConfig(&LoggerConfig{
		Level:   "debug",
		Console: "none",
		File:    FileAppenderOpt{Filename: path, MaxSize: 1},
	})
	require.NoError(t, err)
	assert.True(t, l.IsDebugEnabled())
	l.WithField("peer", "89e92ceee5").Info("peer added")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "peer added peer=89e92ceee5")
}

func TestInitByConfig_BadLevel(t *testing.T) {
	_, err := initByConfig(&LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestInitByConfig_BadConsole(t *testing.T) {
	_, err := initByConfig(&LoggerConfig{Level: "info", Console: "tty"})
	assert.Error(t, err)
}

func TestFormatter_LineBreak(t *testing.T) {
	f := &formatter{pattern: "[%level] %msg%n", time: defaultTime}
	out, err := f.Format(&logrus.Entry{Level: logrus.InfoLevel, Message: "node started"})
	require.NoError(t, err)
	assert.Equal(t, "[INFO] node started\n", string(out))
}

func TestFanoutKeepsWritingAfterError(t *testing.T) {
	var a, b bytes.Buffer
	f := &fanout{writers: []io.Writer{&a, failingWriter{}, &b}}
	n, err := f.Write([]byte("line"))
	assert.Equal(t, 4, n)
	assert.Error(t, err)
	assert.Equal(t, "line", a.String())
	assert.Equal(t, "line", b.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, os.ErrClosed }

func TestRateLimited(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&formatter{pattern: "%msg %field\n", time: defaultTime})
	rl := NewRateLimited(&logrusAdapter{entry: logrus.NewEntry(l)}, time.Hour, 2)

	emitted := 0
	for i := 0; i < 10; i++ {
		if lg := rl.Logger(); lg != nil {
			lg.Warn("dropped")
			emitted++
		}
	}
	assert.Equal(t, 2, emitted)
	assert.Equal(t, uint64(8), rl.Suppressed())
}
