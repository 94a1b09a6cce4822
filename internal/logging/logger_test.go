package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewFiltersByLevelAndTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "WARN", "ride-api")
	log.Info("dropped")
	log.Warn("kept", "ride_id", "r1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["msg"] != "kept" || entry["service"] != "ride-api" || entry["ride_id"] != "r1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
