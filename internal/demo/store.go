package demo

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store opens named streams. Callers release every stream with Close.
type Store interface {
	Create(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
}

// DirStore keeps streams as files in one directory.
type DirStore struct {
	Root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (s *DirStore) Create(name string) (io.WriteCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func (s *DirStore) Open(name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (s *DirStore) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("demo: invalid stream name %q", name)
	}
	return filepath.Join(s.Root, clean), nil
}

// MemoryStore keeps streams in memory. A stream becomes readable once the
// writer that created it is closed.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]byte)}
}

func (s *MemoryStore) Create(name string) (io.WriteCloser, error) {
	if name == "" {
		return nil, fmt.Errorf("demo: invalid stream name %q", name)
	}
	return &memoryWriter{store: s, name: name}, nil
}

func (s *MemoryStore) Open(name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("demo: stream %q: %w", name, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put installs raw stream bytes under name.
func (s *MemoryStore) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[name] = append([]byte(nil), data...)
}

// Bytes returns a copy of a committed stream.
func (s *MemoryStore) Bytes(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.streams[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

type memoryWriter struct {
	store  *MemoryStore
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.store.Put(w.name, w.buf.Bytes())
	return nil
}
