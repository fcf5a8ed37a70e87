package prep

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
)

const (
	eventIDLength   = 6
	eventIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// EventIDStore keeps the last event identifier assigned to each resource
// path. It is process-global state: ids live as long as the process and are
// never persisted. Safe for concurrent use.
type EventIDStore struct {
	mu  sync.Mutex
	ids map[string]string
}

// NewEventIDStore returns an empty store.
func NewEventIDStore() *EventIDStore {
	return &EventIDStore{ids: map[string]string{}}
}

// Set generates a fresh 6-character alphanumeric id, records it for path,
// and returns it.
func (s *EventIDStore) Set(path string) string {
	id := randomEventID()
	s.mu.Lock()
	s.ids[path] = id
	s.mu.Unlock()
	return id
}

// Last returns the id recorded for path, or "" when none has been assigned.
func (s *EventIDStore) Last(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[path]
}

func randomEventID() string {
	buf := make([]byte, eventIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; an id is still needed, so degrade to a constant.
		return "000000"
	}
	for i, b := range buf {
		buf[i] = eventIDAlphabet[int(b)%len(eventIDAlphabet)]
	}
	return string(buf)
}

// randomBoundary returns a 20-character URL-safe base64 multipart boundary.
func randomBoundary() string {
	buf := make([]byte, 15)
	if _, err := rand.Read(buf); err != nil {
		return "prep-boundary-000000"
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
