package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// GenesisHash is the predecessor hash of the first event.
	GenesisHash = "sha256:genesis"

	hashPrefix = "sha256:"
)

// Writer persists audit events. Write sets HashPrev and Hash, and returns
// an error when the event could not be made durable.
type Writer interface {
	Write(event *Event) error
	Close() error
	LastHash() string
}

// NopWriter discards events.
type NopWriter struct{}

var _ Writer = NopWriter{}

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

// chain links events and encodes them as JSON lines.
type chain struct {
	lastHash string
}

func (c *chain) link(event *Event) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	event.HashPrev = c.lastHash
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	event.Hash = calculateHash(canonical, event.HashPrev)
	line, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return append(line, '\n'), nil
}

// StreamWriter writes hash chained JSON lines to an io.Writer.
type StreamWriter struct {
	mu sync.Mutex
	w  io.Writer
	c  chain
}

var _ Writer = (*StreamWriter)(nil)

// NewStreamWriter creates a writer starting a new chain.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w, c: chain{lastHash: GenesisHash}}
}

// Write implements Writer.
func (s *StreamWriter) Write(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := s.c.link(event)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.c.lastHash = event.Hash
	return nil
}

// Close implements Writer.
func (s *StreamWriter) Close() error { return nil }

// LastHash implements Writer.
func (s *StreamWriter) LastHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.lastHash
}

// FileWriter appends hash chained events to a JSONL file and syncs after
// every event. An existing file continues its chain.
type FileWriter struct {
	mu   sync.Mutex
	file *os.File
	path string
	c    chain
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens path for appending.
func NewFileWriter(path string) (*FileWriter, error) {
	last := GenesisHash
	if data, err := os.ReadFile(path); err == nil && len(bytes.TrimSpace(data)) > 0 {
		h, err := readLastHash(data)
		if err != nil {
			return nil, fmt.Errorf("failed to read last hash from existing log: %w", err)
		}
		last = h
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileWriter{file: f, path: path, c: chain{lastHash: last}}, nil
}

func readLastHash(data []byte) (string, error) {
	var last []byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	var ev struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(last, &ev); err != nil {
		return "", fmt.Errorf("failed to parse last event: %w", err)
	}
	if ev.Hash == "" {
		return "", fmt.Errorf("last event has no hash")
	}
	return ev.Hash, nil
}

// Write implements Writer.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	line, err := w.c.link(event)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	w.c.lastHash = event.Hash
	return nil
}

// Close implements Writer.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// LastHash implements Writer.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.lastHash
}

// Path returns the log file path.
func (w *FileWriter) Path() string { return w.path }

func calculateHash(data []byte, prev string) string {
	h := sha256.New()
	_, _ = h.Write(data)
	_, _ = h.Write([]byte(prev))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks the hash chain of a JSONL audit stream and returns the
// number of valid events read before the first error.
func VerifyChain(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	prev := GenesisHash
	n, line := 0, 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return n, fmt.Errorf("line %d: invalid JSON: %w", line, err)
		}
		if ev.HashPrev != prev {
			return n, fmt.Errorf("line %d: hash chain broken: expected prev=%s, got prev=%s", line, prev, ev.HashPrev)
		}
		canonical, err := ev.CanonicalJSON()
		if err != nil {
			return n, fmt.Errorf("line %d: failed to serialize: %w", line, err)
		}
		if want := calculateHash(canonical, ev.HashPrev); ev.Hash != want {
			return n, fmt.Errorf("line %d: hash mismatch: expected=%s, got=%s", line, want, ev.Hash)
		}
		prev = ev.Hash
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("scan error: %w", err)
	}
	return n, nil
}

// VerifyFile runs VerifyChain over a log file.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()
	return VerifyChain(f)
}
