// Package logging wires zerolog for a process: pretty console output plus a
// rotating file per component under the configured log directory.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup returns the root logger for a process component ("master", "player1", ...).
// The returned logger writes to stderr and to logs/<component>.log with rotation.
func Setup(component, dir, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}

	var w io.Writer = console
	if dir != "" {
		_ = os.MkdirAll(dir, 0o755)
		file := &lumberjack.Logger{
			Filename:   filepath.Join(dir, component+".log"),
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
		w = zerolog.MultiLevelWriter(console, file)
	}

	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("proc", component).
		Logger()
}
