// Package docstore is the object store holding batch documents: a JSON or
// YAML array of letters per object.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"superpost/pkg/errkind"
	"superpost/pkg/util"
)

// ErrNotFound is wrapped when no object exists under the key.
var ErrNotFound = errors.New("document not found")

// Store returns object contents by key. Keys have the form bucket/name.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key joins a bucket and an object name.
func Key(bucket, name string) string {
	return path.Join(bucket, name)
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (bucket, name string) {
	key = strings.TrimPrefix(key, "/")
	i := strings.Index(key, "/")
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// DirStore maps buckets to subdirectories of a root directory.
type DirStore struct {
	root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (s *DirStore) Root() string { return s.root }

func (s *DirStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", errkind.Validationf("docstore.get", "empty key")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errkind.Timeout("docstore.get", err)
	}
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errkind.NotFound("docstore.get", fmt.Errorf("%s: %w", key, ErrNotFound))
	}
	if err != nil {
		// Anything else on a local disk (EIO, EMFILE) is worth another try.
		return nil, errkind.Transient("docstore.get", fmt.Errorf("%s: %w", key, err))
	}
	return data, nil
}

// MemoryStore holds objects in process. Failures can be queued per key to
// exercise retry paths.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures map[string][]error
	reads    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string][]byte),
		failures: make(map[string][]error),
		reads:    make(map[string]int),
	}
}

func (s *MemoryStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
}

// FailNext makes the next len(errs) reads of key return errs in order.
func (s *MemoryStore) FailNext(key string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = append(s.failures[key], errs...)
}

// Reads returns how many times key was read.
func (s *MemoryStore) Reads(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[key]
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[key]++
	if q := s.failures[key]; len(q) > 0 {
		s.failures[key] = q[1:]
		return nil, util.Classify("docstore.get", q[0])
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, errkind.NotFound("docstore.get", fmt.Errorf("%s: %w", key, ErrNotFound))
	}
	return append([]byte(nil), data...), nil
}
