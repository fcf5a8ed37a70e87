package resource

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no resource exists at a path.
var ErrNotFound = errors.New("resource not found")

// Store is an in-memory resource repository. Versions are monotonic per
// path; a replaced or patched resource gets a fresh version so its ETag
// changes. The store also versions each container so collection listings
// carry validators of their own.
type Store struct {
	mu         sync.RWMutex
	resources  map[string]*Resource
	containers map[string]int64
}

func NewStore() *Store {
	return &Store{
		resources:  map[string]*Resource{},
		containers: map[string]int64{},
	}
}

// Get returns a copy of the resource at path.
func (s *Store) Get(path string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

// Put creates or replaces the resource at path and returns the stored copy.
// Creation bumps the parent container's version.
func (s *Store) Put(path, contentType, body string) (*Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[path]
	if !ok {
		r = &Resource{Path: path, Version: 0}
		s.resources[path] = r
		s.containers[containerOf(path)]++
	}
	if contentType != "" {
		r.ContentType = contentType
	}
	if r.ContentType == "" {
		r.ContentType = "text/plain"
	}
	r.Body = body
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	out := *r
	return &out, !ok
}

// Patch replaces the body of an existing resource with the patched text and
// returns the stored copy.
func (s *Store) Patch(path, body string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[path]
	if !ok {
		return nil, ErrNotFound
	}
	r.Body = body
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	out := *r
	return &out, nil
}

// Delete removes the resource at path and bumps the parent container's
// version.
func (s *Store) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[path]; !ok {
		return ErrNotFound
	}
	delete(s.resources, path)
	s.containers[containerOf(path)]++
	return nil
}

// List returns the sorted member paths of a container.
func (s *Store) List(container string) []string {
	prefix := strings.TrimSuffix(container, "/") + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for path := range s.resources {
		if strings.HasPrefix(path, prefix) && !strings.Contains(path[len(prefix):], "/") {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// ContainerVersion returns the container's mutation counter.
func (s *Store) ContainerVersion(container string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containers[strings.TrimSuffix(container, "/")]
}

func containerOf(path string) string {
	idx := strings.LastIndex(strings.TrimSuffix(path, "/"), "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
