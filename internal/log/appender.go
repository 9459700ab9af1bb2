package log

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileAppenderOpt configures the rotating file appender. An empty Filename disables it.
type FileAppenderOpt struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`    // megabytes
	MaxBackups int    `mapstructure:"max_backups"` // files kept
	MaxAge     int    `mapstructure:"max_age"`     // days
	Compress   bool   `mapstructure:"compress"`
}

// fanout writes every line to all appenders. A failing appender does not stop the
// others; the first error is reported.
type fanout struct {
	writers []io.Writer
}

func (f *fanout) Write(p []byte) (int, error) {
	var first error
	for _, w := range f.writers {
		if _, err := w.Write(p); err != nil && first == nil {
			first = err
		}
	}
	return len(p), first
}

// newOutput builds the log destination from the console target and the file appender.
func newOutput(console string, file FileAppenderOpt) (io.Writer, error) {
	out := &fanout{}
	switch console {
	case "", "stdout":
		out.writers = append(out.writers, os.Stdout)
	case "stderr":
		out.writers = append(out.writers, os.Stderr)
	case "none":
	default:
		return nil, fmt.Errorf("log: unknown console target %q", console)
	}
	if file.Filename != "" {
		out.writers = append(out.writers, &lumberjack.Logger{
			Filename:   file.Filename,
			MaxSize:    file.MaxSize,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAge,
			Compress:   file.Compress,
		})
	}
	if len(out.writers) == 1 {
		return out.writers[0], nil
	}
	return out, nil
}
