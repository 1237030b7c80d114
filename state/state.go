// Package state remembers which messages were already ingested so repeated
// runs over the same archive skip them.
package state

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

var ErrClosed = errors.New("state tracker closed")

type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(rec Record) error
	Snapshot() Snapshot
	Flush() error
	Close() error
}

// Record is one ingested message. EmailID is the row id in the emails table.
type Record struct {
	Hash       string    `json:"hash"`
	MessageID  string    `json:"message_id"`
	EmailID    int64     `json:"email_id,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}

type Snapshot struct {
	Processed int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]Record
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]Record)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[hash]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(rec Record) error {
	m.remember(rec)
	return nil
}

// remember stores rec and reports whether the hash was new.
func (m *MemoryTracker) remember(rec Record) bool {
	if rec.Hash == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[rec.Hash]; exists {
		return false
	}
	m.processed[rec.Hash] = rec
	return true
}

// Lookup returns the record stored for hash.
func (m *MemoryTracker) Lookup(hash string) (Record, bool) {
	m.mu.RLock()
	rec, ok := m.processed[hash]
	m.mu.RUnlock()
	return rec, ok
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

func (m *MemoryTracker) Flush() error { return nil }

func (m *MemoryTracker) Close() error { return nil }

// FileTracker persists ingested message hashes as JSON lines, one file per
// target namespace.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

// FileName returns the state file used for namespace.
func FileName(namespace string) string {
	if namespace == "" {
		namespace = "public"
	}
	return "ingested-" + namespace + ".jsonl"
}

// NewFileTracker loads the state of namespace from stateDir. When persist is
// false, records are kept in memory only.
func NewFileTracker(stateDir, namespace string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, FileName(namespace)),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

// Path is the JSONL file backing the tracker.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		f.remember(record)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkProcessed(rec Record) error {
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now().UTC()
	}
	if !f.remember(rec) || !f.persist {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.writer == nil {
		return ErrClosed
	}
	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.writer == nil {
		return nil
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file. It is safe to call twice.
func (f *FileTracker) Close() error {
	if !f.persist {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil
	f.writer = nil

	return firstErr
}
