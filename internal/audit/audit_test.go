package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testTime = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func eeEvent(t EventType, username string) *Event {
	return NewEvent(t, ResultSuccess, testTime).
		WithActor(Actor{Type: "user", ID: "operator"}).
		WithObject(Object{Username: username, CAID: 3, ProfileID: 1})
}

// =============================================================================
// Event Tests
// =============================================================================

func TestU_NewEvent_Creation(t *testing.T) {
	local := time.Date(2026, 1, 15, 11, 0, 0, 0, time.FixedZone("CET", 3600))
	event := NewEvent(EventEndEntityAdded, ResultSuccess, local)

	if event.EventType != EventEndEntityAdded {
		t.Errorf("expected EventType=%s, got %s", EventEndEntityAdded, event.EventType)
	}
	if event.Timestamp != "2026-01-15T10:00:00Z" {
		t.Errorf("expected UTC timestamp, got %s", event.Timestamp)
	}
	if event.Actor.Type != "system" {
		t.Errorf("expected Actor.Type=system, got %s", event.Actor.Type)
	}
}

func TestU_Event_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{"[Unit] Validate: valid event", eeEvent(EventEndEntityAdded, "alice"), false},
		{"[Unit] Validate: missing username", NewEvent(EventEndEntityAdded, ResultSuccess, testTime), true},
		{"[Unit] Validate: missing event_type", &Event{
			Timestamp: "2026-01-15T10:00:00Z",
			Actor:     Actor{Type: "user", ID: "admin"},
			Object:    Object{Username: "alice"},
			Result:    ResultSuccess,
		}, true},
		{"[Unit] Validate: missing result", &Event{
			EventType: EventEndEntityDeleted,
			Timestamp: "2026-01-15T10:00:00Z",
			Actor:     Actor{Type: "user", ID: "admin"},
			Object:    Object{Username: "alice"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestU_Event_CanonicalJSONExcludesHash(t *testing.T) {
	event := eeEvent(EventEndEntityStatusChanged, "alice").
		WithContext(Context{Status: "GENERATED", PrevStatus: "NEW"})
	event.HashPrev = GenesisHash
	event.Hash = "sha256:something"

	canonical, err := event.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(canonical, &m); err != nil {
		t.Fatalf("canonical JSON does not parse: %v", err)
	}
	if _, ok := m["hash"]; ok {
		t.Error("canonical JSON should not contain hash")
	}
	if m["hash_prev"] != GenesisHash {
		t.Errorf("expected hash_prev=%s, got %v", GenesisHash, m["hash_prev"])
	}
}

// =============================================================================
// Writer Tests
// =============================================================================

func TestU_StreamWriter_Chain(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)

	if w.LastHash() != GenesisHash {
		t.Fatalf("expected genesis hash, got %s", w.LastHash())
	}
	first := eeEvent(EventEndEntityAdded, "alice")
	if err := w.Write(first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	second := eeEvent(EventEndEntityDeleted, "alice")
	if err := w.Write(second); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if first.HashPrev != GenesisHash {
		t.Errorf("first event should link to genesis, got %s", first.HashPrev)
	}
	if second.HashPrev != first.Hash {
		t.Errorf("second event should link to first")
	}
	if w.LastHash() != second.Hash {
		t.Errorf("LastHash() should be the second event hash")
	}

	n, err := VerifyChain(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
}

func TestU_StreamWriter_RejectsInvalidEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	if err := w.Write(NewEvent(EventEndEntityAdded, ResultSuccess, testTime)); err == nil {
		t.Fatal("expected an error for an event without username")
	}
	if buf.Len() != 0 {
		t.Error("invalid event should not be written")
	}
	if w.LastHash() != GenesisHash {
		t.Error("invalid event should not advance the chain")
	}
}

func TestU_NopWriter(t *testing.T) {
	var w Writer = NopWriter{}
	if err := w.Write(eeEvent(EventEndEntityAdded, "alice")); err != nil {
		t.Errorf("Write() error = %v", err)
	}
	if w.LastHash() != GenesisHash {
		t.Errorf("expected genesis hash")
	}
}

func TestU_FileWriter_ContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	if err := w.Write(eeEvent(EventEndEntityAdded, "alice")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	last := w.LastHash()
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w, err = NewFileWriter(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if w.LastHash() != last {
		t.Fatalf("reopened writer should continue from %s, got %s", last, w.LastHash())
	}
	if err := w.Write(eeEvent(EventEndEntityRevoked, "alice")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = w.Close()

	n, err := VerifyFile(path)
	if err != nil {
		t.Fatalf("VerifyFile() error = %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestU_FileWriter_CorruptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(path, []byte("not json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileWriter(path); err == nil {
		t.Fatal("expected an error for a corrupt log")
	}
}

// =============================================================================
// Verification Tests
// =============================================================================

func TestU_VerifyChain_DetectsTampering(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	for _, name := range []string{"alice", "bob", "carol"} {
		if err := w.Write(eeEvent(EventEndEntityAdded, name)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		mutate  func(string) string
		wantN   int
		wantErr string
	}{
		{"[Unit] VerifyChain: intact", func(s string) string { return s }, 3, ""},
		{"[Unit] VerifyChain: edited object", func(s string) string {
			return strings.Replace(s, `"username":"bob"`, `"username":"mallory"`, 1)
		}, 1, "hash mismatch"},
		{"[Unit] VerifyChain: removed event", func(s string) string {
			lines := strings.SplitAfter(s, "\n")
			return lines[0] + lines[2]
		}, 1, "hash chain broken"},
		{"[Unit] VerifyChain: garbage line", func(s string) string { return "{" + s }, 0, "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := VerifyChain(strings.NewReader(tt.mutate(buf.String())))
			if n != tt.wantN {
				t.Errorf("expected %d valid events, got %d", tt.wantN, n)
			}
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestU_VerifyChain_Empty(t *testing.T) {
	n, err := VerifyChain(strings.NewReader(""))
	if err != nil || n != 0 {
		t.Errorf("empty log should verify, got n=%d err=%v", n, err)
	}
}
