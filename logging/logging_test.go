package logging

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newJSON(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Options{Output: &buf, Level: level, Format: FormatJSON}), &buf
}

func TestLogger_Levels(t *testing.T) {
	logger, buf := newJSON(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	if buf.Len() == 0 {
		t.Fatal("info message should be logged")
	}
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("log should contain the message, got: %s", buf.String())
	}
}

func TestLogger_DebugLevel(t *testing.T) {
	logger, buf := newJSON(LevelDebug)

	logger.Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("debug message should be logged at DEBUG level, got: %s", buf.String())
	}
}

func TestLogger_WithComponent(t *testing.T) {
	logger, buf := newJSON(LevelInfo)
	sweeper := logger.WithComponent("sweep")

	if sweeper.Component() != "sweep" {
		t.Errorf("Component() = %q, want %q", sweeper.Component(), "sweep")
	}

	sweeper.Info("tick")
	if !strings.Contains(buf.String(), "sweep") {
		t.Errorf("expected component 'sweep' in log, got: %s", buf.String())
	}
}

func TestLogger_Fields(t *testing.T) {
	logger, buf := newJSON(LevelInfo)

	logger.Info("peer", map[string]interface{}{
		"peer_id": "002",
	})

	if !strings.Contains(buf.String(), `"peer_id":"002"`) {
		t.Errorf("expected field peer_id in log, got: %s", buf.String())
	}
}

func TestLogger_NilFields(t *testing.T) {
	logger, buf := newJSON(LevelInfo)
	logger.Info("no fields", nil)
	if !strings.Contains(buf.String(), "no fields") {
		t.Errorf("expected message, got: %s", buf.String())
	}
}

func TestLogger_EventHelpers(t *testing.T) {
	logger, buf := newJSON(LevelDebug)

	logger.PeerDiscovered("002", "SBT_002", "b8:27:eb:f0:ce:11")
	logger.PeerLeft("002")
	logger.PeerStatus("004", 1500*time.Millisecond, -70, 3.55, "72")
	logger.ProximityEvent("001", "004", 3.55, "72")
	logger.SendFailed("real", 1, time.Second, fmt.Errorf("connection refused"))
	logger.SendGaveUp("real", "004", 3, fmt.Errorf("connection refused"))
	logger.DuplicateDropped("001|004|1700000000")

	output := buf.String()
	for _, want := range []string{
		"peer_discovered",
		"peer_left_range",
		"peer_status",
		"proximity_event",
		"send_failed",
		"send_gave_up",
		"duplicate_dropped",
		"connection refused",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func TestLogger_HumanFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Output: &buf})
	logger.Info("hello", map[string]interface{}{"peer_id": "002"})

	output := buf.String()
	if !strings.Contains(output, "hello") {
		t.Errorf("expected message in human output, got: %s", output)
	}
	if !strings.Contains(output, "002") {
		t.Errorf("expected field value in human output, got: %s", output)
	}
}

func TestDiscard(t *testing.T) {
	// Should not panic
	Discard().WithComponent("x").Error("dropped")
}
