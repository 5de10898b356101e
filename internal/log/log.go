// Package log configures logrus for the daemon and hands out per-component entries.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/config"
	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/sirupsen/logrus"
)

// Setup applies the logs.* settings. When Write is set, output goes to a
// daily file under dir/logs instead of stderr.
func Setup(cfg config.LogsConfig, dir string) error {
	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if !cfg.Write {
		logrus.SetOutput(os.Stderr)
		return nil
	}

	logDir := filepath.Join(dir, "logs")
	if err := filesystem.API().MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(logDir, time.Now().Format("2006-01-02")+".log")
	f, err := filesystem.API().OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return nil
}

// For returns an entry tagged with the component name
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
