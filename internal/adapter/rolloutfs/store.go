// Package rolloutfs implements the rollout store port with one append-only
// JSONL file per thread under a date-partitioned directory tree.
package rolloutfs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/domain/rollout"
	"github.com/loomworks/loom/internal/domain/thread"
)

// Store writes one rollout file per thread at
// <home>/sessions/YYYY/MM/DD/rollout-<timestamp>-<thread_id>.jsonl.
// The date partition and timestamp are derived from the UUIDv7 thread
// identifier, so the path is computable without any lookup. Each append is a
// single write of one full line followed by fsync, so a reader mid-replay
// never observes a half-written record.
type Store struct {
	home string

	mu      sync.Mutex
	writers map[string]*writer
}

type writer struct {
	mu  sync.Mutex
	f   *os.File
	seq int64
}

// New creates a file-backed rollout store rooted at home.
func New(home string) *Store {
	return &Store{
		home:    home,
		writers: make(map[string]*writer),
	}
}

// Path returns the rollout file path for a thread identifier. Fails for
// identifiers that do not embed a creation timestamp.
func (s *Store) Path(threadID string) (string, error) {
	ts, ok := thread.CreatedAtFromID(threadID)
	if !ok {
		return "", fmt.Errorf("%w: thread id %q does not embed a timestamp", domain.ErrInvalidInput, threadID)
	}
	dir := filepath.Join(s.home, "sessions", ts.Format("2006"), ts.Format("01"), ts.Format("02"))
	name := fmt.Sprintf("rollout-%s-%s.jsonl", ts.Format("2006-01-02T15-04-05"), threadID)
	return filepath.Join(dir, name), nil
}

// Append writes one item as a JSONL line and fsyncs it. The store lock only
// covers the writer lookup; the write and fsync run under the per-thread
// writer lock, so appends to different threads never wait on each other.
func (s *Store) Append(_ context.Context, threadID string, item rollout.Item) (int64, error) {
	s.mu.Lock()
	w, err := s.writerLocked(threadID)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	line := rollout.Line{Timestamp: time.Now().UTC(), Item: item}
	data, err := json.Marshal(line)
	if err != nil {
		return 0, fmt.Errorf("marshal rollout item: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.f.Write(data); err != nil {
		return 0, fmt.Errorf("append rollout item for thread %s: %w", threadID, err)
	}
	if err := w.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync rollout for thread %s: %w", threadID, err)
	}

	w.seq++
	return w.seq, nil
}

// writerLocked returns the open appender for a thread, opening the file and
// counting existing records on first use.
func (s *Store) writerLocked(threadID string) (*writer, error) {
	if w, ok := s.writers[threadID]; ok {
		return w, nil
	}

	path, err := s.Path(threadID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create rollout directory: %w", err)
	}

	seq, err := countLines(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: path derives from a validated UUID
	if err != nil {
		return nil, fmt.Errorf("open rollout file: %w", err)
	}

	w := &writer{f: f, seq: seq}
	s.writers[threadID] = w
	return w, nil
}

// Replay reads the full ordered history of a thread. A missing file yields
// domain.ErrNotFound; a malformed line is an internal error, never skipped.
func (s *Store) Replay(_ context.Context, threadID string) ([]rollout.Item, error) {
	path, err := s.Path(threadID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path) //nolint:gosec // G304: path derives from a validated UUID
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("rollout for thread %s: %w", threadID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("open rollout for thread %s: %w", threadID, err)
	}
	defer func() { _ = f.Close() }()

	var items []rollout.Item
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var line rollout.Line
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("corrupt rollout record at %s:%d: %w", path, lineNo, err)
		}
		items = append(items, line.Item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read rollout %s: %w", path, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("rollout for thread %s is empty: %w", threadID, domain.ErrNotFound)
	}
	return items, nil
}

// Exists checks for the rollout file without opening a handle.
func (s *Store) Exists(_ context.Context, threadID string) (bool, error) {
	path, err := s.Path(threadID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat rollout for thread %s: %w", threadID, err)
}

// Location returns the rollout file path for a thread.
func (s *Store) Location(threadID string) string {
	path, err := s.Path(threadID)
	if err != nil {
		return ""
	}
	return path
}

// CloseThread releases the open appender for a thread, if any. Called by the
// lifecycle manager on archive.
func (s *Store) CloseThread(threadID string) error {
	s.mu.Lock()
	w, ok := s.writers[threadID]
	if ok {
		delete(s.writers, threadID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close rollout for thread %s: %w", threadID, err)
	}
	return nil
}

// Close releases all open appenders.
func (s *Store) Close() error {
	s.mu.Lock()
	writers := s.writers
	s.writers = make(map[string]*writer)
	s.mu.Unlock()

	var firstErr error
	for id, w := range writers {
		w.mu.Lock()
		err := w.f.Close()
		w.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close rollout for thread %s: %w", id, err)
		}
	}
	return firstErr
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path derives from a validated UUID
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open rollout for counting: %w", err)
	}
	defer func() { _ = f.Close() }()

	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("count rollout records: %w", err)
	}
	return n, nil
}
