package prep

import (
	"sync"

	"github.com/rs/zerolog"
)

// WriteNotification delivers one rendered notification to a subscriber's
// response stream. lastEvent marks the terminal notification of the stream.
type WriteNotification func(notification string, lastEvent bool)

// WriteEnd closes a subscriber's response stream.
type WriteEnd func()

// Subscription registers a response stream for the notifications of one
// (path, profile) bucket. The two callbacks are write-only sinks into the
// same stream.
type Subscription struct {
	Path              string
	Profile           Profile
	WriteNotification WriteNotification
	WriteEnd          WriteEnd
}

// NotifyRequest fans a notification out to every subscriber under Path.
// GenerateNotification is called once per distinct profile; a non-empty
// return value is delivered to that profile's subscribers. LastEvent also
// ends every stream under the path.
type NotifyRequest struct {
	Path                 string
	GenerateNotification func(Profile) string
	LastEvent            bool
}

type listener struct {
	write WriteNotification
	end   WriteEnd
}

// emitter multicasts to the subscribers of one (path, profile) bucket. The
// profile stored here is the first-inserted instance; later subscribers with
// a structurally equal profile share it.
type emitter struct {
	profile   Profile
	listeners []*listener
}

// Engine is the process-wide subscription index: path, then canonical
// profile key, then emitter. A single mutex guards the whole index; fan-out
// inside Notify runs under it so subscribe and unsubscribe cannot race the
// iteration.
type Engine struct {
	mu     sync.Mutex
	paths  map[string]map[string]*emitter
	logger zerolog.Logger
}

// NewEngine returns an empty subscription engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		paths:  map[string]map[string]*emitter{},
		logger: logger,
	}
}

// Subscribe attaches the subscription's callbacks to the emitter for its
// (path, profile) bucket, creating the bucket on first use. Profiles compare
// structurally: a subscriber whose profile equals an existing key joins that
// emitter. The returned unsubscribe function is idempotent; it detaches the
// callbacks and removes emptied buckets.
func (e *Engine) Subscribe(sub Subscription) func() {
	key := sub.Profile.Canonical()

	e.mu.Lock()
	inner, ok := e.paths[sub.Path]
	if !ok {
		inner = map[string]*emitter{}
		e.paths[sub.Path] = inner
	}
	em, ok := inner[key]
	if !ok {
		em = &emitter{profile: sub.Profile.Clone()}
		inner[key] = em
	}
	l := &listener{write: sub.WriteNotification, end: sub.WriteEnd}
	em.listeners = append(em.listeners, l)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.remove(sub.Path, key, l)
		})
	}
}

func (e *Engine) remove(path, key string, l *listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inner, ok := e.paths[path]
	if !ok {
		return
	}
	em, ok := inner[key]
	if !ok {
		return
	}
	for i, candidate := range em.listeners {
		if candidate == l {
			em.listeners = append(em.listeners[:i], em.listeners[i+1:]...)
			break
		}
	}
	if len(em.listeners) == 0 {
		delete(inner, key)
	}
	if len(inner) == 0 {
		delete(e.paths, path)
	}
}

// Notify fans a notification out to every emitter under the request's path.
// A path with no subscribers is not an error. Listeners are invoked in
// registration order over a snapshot of the listener list, so a listener
// that unsubscribes itself mid-delivery cannot corrupt the iteration, and a
// panicking listener never prevents the others from running.
func (e *Engine) Notify(n NotifyRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inner, ok := e.paths[n.Path]
	if !ok {
		return
	}
	for _, em := range inner {
		body := e.generate(n, em.profile)
		snapshot := append([]*listener(nil), em.listeners...)
		if body != "" {
			for _, l := range snapshot {
				e.deliver(l, body, n.LastEvent)
			}
		}
		if n.LastEvent {
			for _, l := range snapshot {
				e.finish(l)
			}
		}
	}
	if n.LastEvent {
		// The emitters are closed; drained subscribers unsubscribe into a
		// tolerated no-op.
		delete(e.paths, n.Path)
	}
}

func (e *Engine) generate(n NotifyRequest, profile Profile) (body string) {
	if n.GenerateNotification == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("path", n.Path).Interface("panic", r).
				Msg("prep: notification generator panicked")
			body = ""
		}
	}()
	return n.GenerateNotification(profile.Clone())
}

func (e *Engine) deliver(l *listener, body string, last bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("prep: notification listener panicked")
		}
	}()
	l.write(body, last)
}

func (e *Engine) finish(l *listener) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("prep: end listener panicked")
		}
	}()
	l.end()
}

// PathCount returns the number of paths with live subscriptions.
func (e *Engine) PathCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.paths)
}

// EmitterCount returns the number of distinct profiles subscribed under path.
func (e *Engine) EmitterCount(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.paths[path])
}

// ListenerCount returns the number of subscribers for a (path, profile)
// bucket.
func (e *Engine) ListenerCount(path string, profile Profile) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	inner, ok := e.paths[path]
	if !ok {
		return 0
	}
	em, ok := inner[profile.Canonical()]
	if !ok {
		return 0
	}
	return len(em.listeners)
}
