package storage

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("object not found")

// Storage is a flat object namespace used by the large-object cache tier.
// Names are slash separated; DeletePrefix and List operate on name prefixes.
type Storage interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, content []byte) error
	Delete(ctx context.Context, name string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	List(ctx context.Context, prefix string) ([]string, error)
	// Has reports whether the backend knows an object by that name without
	// a round trip to the underlying store.
	Has(name string) bool
	// Usage returns the bytes currently held by objects this backend knows about.
	Usage() int64
}

// sizeIndex tracks object sizes so backends can report their footprint
// without rescanning.
type sizeIndex struct {
	mu    sync.Mutex
	sizes map[string]int64
	total int64
}

func newSizeIndex() *sizeIndex {
	return &sizeIndex{sizes: make(map[string]int64)}
}

func (s *sizeIndex) set(name string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += size - s.sizes[name]
	s.sizes[name] = size
}

func (s *sizeIndex) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total -= s.sizes[name]
	delete(s.sizes, name)
}

func (s *sizeIndex) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sizes[name]
	return ok
}

func (s *sizeIndex) usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
