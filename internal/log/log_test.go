package log

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/config"
	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/sirupsen/logrus"
)

func TestSetupWritesDailyFile(t *testing.T) {
	filesystem.SetMemMapFs()
	defer filesystem.SetOsFs()

	if err := Setup(config.LogsConfig{Level: "debug", Write: true}, "cfg"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer Setup(config.LogsConfig{Level: "info"}, "cfg")

	if logrus.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", logrus.GetLevel())
	}

	For("test").Info("hello")

	path := filepath.Join("cfg", "logs", time.Now().Format("2006-01-02")+".log")
	data, err := filesystem.API().ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}

func TestSetupFallsBackToInfo(t *testing.T) {
	if err := Setup(config.LogsConfig{Level: "chatty"}, ""); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if logrus.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info", logrus.GetLevel())
	}
}
