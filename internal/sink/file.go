package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileOpener writes each download to a file under a directory.
type FileOpener struct {
	dir string

	mu      sync.Mutex
	handles map[string]*fileSink
}

func NewFileOpener(dir string) *FileOpener {
	return &FileOpener{
		dir:     dir,
		handles: make(map[string]*fileSink),
	}
}

// Open creates or truncates dir/name.
func (fo *FileOpener) Open(_ context.Context, name string) (Sink, error) {
	path := filepath.Join(fo.dir, name)

	fo.mu.Lock()
	defer fo.mu.Unlock()

	if _, ok := fo.handles[path]; ok {
		return nil, fmt.Errorf("%s is already open", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	s := &fileSink{opener: fo, path: path, file: f}
	fo.handles[path] = s
	return s, nil
}

// CloseAll closes every file that is still open.
func (fo *FileOpener) CloseAll() error {
	fo.mu.Lock()
	// Collect first because Close removes itself from the map
	sinks := make([]*fileSink, 0, len(fo.handles))
	for _, s := range fo.handles {
		sinks = append(sinks, s)
	}
	fo.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// OpenCount returns the number of files currently open.
func (fo *FileOpener) OpenCount() int {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return len(fo.handles)
}

type fileSink struct {
	opener *FileOpener
	path   string
	file   *os.File
	closed bool
}

func (s *fileSink) Write(p []byte) (int, error) { return s.file.Write(p) }

func (s *fileSink) Dest() string { return s.path }

func (s *fileSink) Close() error {
	fo := s.opener
	fo.mu.Lock()
	if s.closed {
		fo.mu.Unlock()
		return nil
	}
	s.closed = true
	delete(fo.handles, s.path)
	fo.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return s.file.Close()
}
