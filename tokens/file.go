package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps the pair in a JSON file shared by every process pointed at
// the same path. Writes go through a temp file and rename so readers never see
// a half-written pair. The parent directory is watched and writes from other
// processes are reported on Changes.
type FileStore struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	changes chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	lastSeen []byte
	closed   bool
}

// OpenFile opens the token file at path, creating its directory if needed,
// and starts watching it.
func OpenFile(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s := &FileStore{
		path:    path,
		logger:  logger,
		watcher: w,
		changes: make(chan struct{}, 1),
	}
	s.lastSeen, _ = s.readRaw()

	s.wg.Add(1)
	go s.watch()
	return s, nil
}

// Path returns the token file path.
func (s *FileStore) Path() string {
	return s.path
}

// Changes implements Notifier.
func (s *FileStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *FileStore) Load(_ context.Context) (Pair, error) {
	data, err := s.readRaw()
	if err != nil {
		return Pair{}, err
	}
	if data == nil {
		return Pair{}, nil
	}
	var p Pair
	if err := json.Unmarshal(data, &p); err != nil {
		// A corrupt file is treated as no session.
		s.logger.Warn("Ignoring unreadable token file", "path", s.path, "error", err)
		return Pair{}, nil
	}
	return p, nil
}

func (s *FileStore) Save(ctx context.Context, p Pair) error {
	if p.IsZero() {
		return s.Clear(ctx)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}
	s.lastSeen = data
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	s.lastSeen = nil
	return nil
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileStore) readRaw() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return data, nil
}

func (s *FileStore) watch() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			s.handleEvent()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Token file watcher error", "error", err)
		}
	}
}

// handleEvent reports a change only when the file content differs from what
// this store last wrote or observed, which filters out our own writes.
//
// The read happens under s.mu so an event queued by an earlier write cannot
// observe content older than lastSeen.
func (s *FileStore) handleEvent() {
	s.mu.Lock()
	data, err := s.readRaw()
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("Failed to read token file after change", "error", err)
		return
	}
	same := bytes.Equal(data, s.lastSeen)
	s.lastSeen = data
	s.mu.Unlock()
	if same {
		return
	}

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
