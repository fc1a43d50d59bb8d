// Package joblog stores the per-task detail logs produced during
// transfers. The UI renders these verbatim as the failure detail
// stream, so writers must never include credentials.
package joblog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrLogNotFound is returned when no log exists for the task.
var ErrLogNotFound = errors.New("task log not found")

// Store persists task logs keyed by task ID.
type Store interface {
	// Append adds bytes to the task's log, creating it if needed
	Append(ctx context.Context, taskID string, p []byte) error

	// Get returns the full log content for the task
	Get(ctx context.Context, taskID string) ([]byte, error)

	// Delete removes the task's log
	Delete(ctx context.Context, taskID string) error
}

// MemoryStore is a mutex-guarded in-memory log store.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*bytes.Buffer
}

// NewMemoryStore creates an empty in-memory log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: map[string]*bytes.Buffer{}}
}

// Append adds bytes to the task's log.
func (s *MemoryStore) Append(_ context.Context, taskID string, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.logs[taskID]
	if !ok {
		buf = &bytes.Buffer{}
		s.logs[taskID] = buf
	}
	_, err := buf.Write(p)
	return err
}

// Get returns the task's log content.
func (s *MemoryStore) Get(_ context.Context, taskID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.logs[taskID]
	if !ok {
		return nil, ErrLogNotFound
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Delete removes the task's log.
func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, taskID)
	return nil
}

// FileStore keeps one log file per task under a base directory.
type FileStore struct {
	dir string

	// Serializes appends; task logs are small and written rarely
	mu sync.Mutex
}

// NewFileStore creates the base directory if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(taskID string) string {
	return filepath.Join(s.dir, filepath.Base(taskID)+".log")
}

// Append adds bytes to the task's log file.
func (s *FileStore) Append(_ context.Context, taskID string, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(taskID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open task log: %w", err)
	}
	defer f.Close()
	_, err = f.Write(p)
	return err
}

// Get returns the task's log content.
func (s *FileStore) Get(_ context.Context, taskID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrLogNotFound
	}
	return data, err
}

// Delete removes the task's log file.
func (s *FileStore) Delete(_ context.Context, taskID string) error {
	err := os.Remove(s.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Writer adapts a Store to io.Writer for one task so a slog handler can
// stream transfer detail into it.
type Writer struct {
	store  Store
	taskID string
}

// NewWriter returns an io.Writer appending to the task's log.
func NewWriter(store Store, taskID string) *Writer {
	return &Writer{store: store, taskID: taskID}
}

func (w *Writer) Write(p []byte) (int, error) {
	if err := w.store.Append(context.Background(), w.taskID, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
