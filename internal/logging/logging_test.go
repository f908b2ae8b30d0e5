package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reviewyai/reviewy/internal/config"
	log "github.com/sirupsen/logrus"
)

func TestSetupWritesToRotatingFile(t *testing.T) {
	t.Setenv("WRITABLE_PATH", "")
	path := filepath.Join(t.TempDir(), "logs", "reviewy.log")

	closer, errSetup := Setup(config.LoggingConfig{Level: "debug", Format: "json", File: path})
	if errSetup != nil {
		t.Fatalf("setup: %v", errSetup)
	}
	t.Cleanup(func() {
		_ = closer.Close()
		log.SetOutput(os.Stdout)
		log.SetLevel(log.InfoLevel)
	})

	log.WithField("repo", "acme/widget").Debug("webhook received")

	data, errRead := os.ReadFile(path)
	if errRead != nil {
		t.Fatalf("read log file: %v", errRead)
	}
	if !strings.Contains(string(data), `"repo":"acme/widget"`) {
		t.Fatalf("expected json log line, got %q", string(data))
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	if _, errSetup := Setup(config.LoggingConfig{Level: "info", Format: "xml"}); errSetup == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, errSetup := Setup(config.LoggingConfig{Level: "loud"}); errSetup == nil {
		t.Fatalf("expected error for unknown level")
	}
}
