// Package logging sets up the seshd log.  The server cannot write to a
// terminal — it has none — so everything goes to a file under the config
// directory.  The client does no logging at all; its stdout belongs to the
// attached session.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/seshterm/sesh/internal/config"
)

// NewServerLogger returns the logger used by seshd.  Level comes from the
// config file, overridable with LOG_LEVEL.  If the log file cannot be
// opened the logger discards output rather than failing server startup.
func NewServerLogger(cfg *config.Config) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetLevel(level(cfg))

	path := config.LogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		if file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			log.SetOutput(file)
			return log.WithField("pid", os.Getpid())
		}
	}
	log.SetOutput(io.Discard)
	return log.WithField("pid", os.Getpid())
}

func level(cfg *config.Config) logrus.Level {
	name := os.Getenv("LOG_LEVEL")
	if name == "" {
		name = cfg.LogLevel
	}
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
