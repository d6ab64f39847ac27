package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestErrorFormatterStringifiesErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&errorFormatter{logrus.JSONFormatter{}})

	logger.WithError(errors.New("boom")).WithField(WorkspaceField, "ws_1").Error("failed")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if payload["error"] != "boom" {
		t.Fatalf("expected error field boom, got %v", payload["error"])
	}
	if payload[WorkspaceField] != "ws_1" {
		t.Fatalf("expected workspace field, got %v", payload[WorkspaceField])
	}
}

func TestInitSetsLevel(t *testing.T) {
	Init("taskflow-api", "test", "debug", true)
	if Log.Logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", Log.Logger.GetLevel())
	}
	Init("taskflow-api", "test", "not-a-level", false)
	if Log.Logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("invalid level should keep previous level, got %v", Log.Logger.GetLevel())
	}
	Log.Logger.SetLevel(logrus.InfoLevel)
}
