// Package zerolog adapts github.com/rs/zerolog to logger.Logger.
package zerolog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/tidepool-social/syncqueue/pkg/logger"
)

const (
	permission = 0664
)

type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

// Logger is a logger.Logger backed by zerolog.
// LogFile is non-nil when the builder was configured with a path; the caller
// owns closing it.
type Logger struct {
	LogFile *os.File
	Logger  zerolog.Logger
}

var _ logger.Logger = (*Logger)(nil)

func New() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level sets the minimum level by name. Unknown names keep the current level.
func (build *LogBuild) Level(name string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(name); err == nil && name != "" {
		build.level = lvl
	}
	return build
}

func (build *LogBuild) Make() (*Logger, error) {
	l := new(Logger)
	writer := build.writer
	if writer == nil {
		writer = os.Stdout
	}
	if build.path != "" {
		f, err := os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		l.LogFile = f
		writer = zerolog.SyncWriter(f)
	}
	l.Logger = zerolog.New(writer).Level(build.level).With().Timestamp().Logger()
	return l, nil
}

func (l *Logger) Error(msg string, args ...any) {
	l.Logger.Error().Fields(args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.Logger.Warn().Fields(args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	l.Logger.Info().Fields(args).Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.Logger.Debug().Fields(args).Msg(msg)
}
