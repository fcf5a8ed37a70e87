package prep

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/prep/prep/internal/platform/sfv"
)

const (
	// DefaultDuration is the streaming duration used when the client does
	// not request one.
	DefaultDuration = 3600 * time.Second
	// MaxDuration caps a client-requested duration.
	MaxDuration = 7200 * time.Second

	// quirkPadCount is the number of CRLFs appended after each notification
	// for clients whose buffering heuristics would otherwise delay delivery.
	quirkPadCount = 240

	// streamBuffer is the per-subscriber notification queue depth. The
	// engine enqueues without blocking; a subscriber that falls this far
	// behind loses notifications rather than stalling the fan-out.
	streamBuffer = 256
)

// Options configures the PREP session middleware.
type Options struct {
	// ContentTypes is the default accept offer used by Configure when the
	// handler does not pass its own config fragment.
	ContentTypes []string
	// DefaultDuration and MaxDuration override the package defaults.
	DefaultDuration time.Duration
	MaxDuration     time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.ContentTypes) == 0 {
		o.ContentTypes = []string{"message/rfc822"}
	}
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = DefaultDuration
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = MaxDuration
	}
	return o
}

// Modifiers are the application hooks send consults during negotiation.
type Modifiers struct {
	// NegotiateEvents may replace the negotiated profile, typically to pick
	// one of the delta alternatives surfaced in the extra params. Returning
	// nil forces a 406. Nil hook means identity.
	NegotiateEvents func(Profile) Profile
	// ModifyEventsHeader may return extra members merged into the Events
	// response dictionary. Nil hook adds nothing.
	ModifyEventsHeader func(Profile) *sfv.Dict
}

// Header is one representation part header line.
type Header struct {
	Name  string
	Value string
}

// SendOptions carries the representation and negotiation inputs for Send.
type SendOptions struct {
	// Headers are written verbatim into the representation part.
	Headers []Header
	// Body is the in-memory representation. BodyStream, when set, is
	// streamed instead.
	Body       string
	BodyStream io.Reader
	// Params is the client's prep selection. When nil, the selection parsed
	// from the request's Accept-Events header is used.
	Params    *sfv.Item
	Modifiers Modifiers
}

// TriggerOptions parameterizes a notification trigger. Zero values select
// the documented defaults.
type TriggerOptions struct {
	// Path defaults to the request path.
	Path string
	// GenerateNotification defaults to the session's DefaultNotification.
	GenerateNotification func(Profile) string
	// LastEvent defaults to true iff the trigger targets the request's own
	// path and the request method is DELETE.
	LastEvent *bool
}

// Session is the per-request PREP surface handlers program against. It is
// created by the Sessions middleware and fetched with FromContext.
type Session struct {
	c      echo.Context
	engine *Engine
	ids    *EventIDStore
	logger zerolog.Logger
	opts   Options

	config  *sfv.Item // server offer, set by Configure
	request *sfv.Item // client's prep selection from Accept-Events

	mu       sync.Mutex
	deferred []NotifyRequest
}

// Requested reports whether the client asked for PREP notifications.
func (s *Session) Requested() bool {
	return s.request != nil
}

// SetEventID assigns a fresh event id to path (default: the request path)
// and returns it.
func (s *Session) SetEventID(path ...string) string {
	p := s.c.Request().URL.Path
	if len(path) > 0 && path[0] != "" {
		p = path[0]
	}
	return s.ids.Set(p)
}

// LastEventID returns the last event id assigned to path, or "".
func (s *Session) LastEventID(path string) string {
	if path == "" {
		path = s.c.Request().URL.Path
	}
	return s.ids.Last(path)
}

// Configure declares the server's PREP offer for this response. The config
// fragment defaults to an accept list built from the configured content
// types. On success the offer is appended to the Accept-Events response
// header and retained for Send's negotiation, and nil is returned. A config
// fragment that does not parse yields a protocol dictionary with status 500.
func (s *Session) Configure(config string) *sfv.Dict {
	if config == "" {
		config = defaultOffer(s.opts.ContentTypes)
	}
	raw := `"prep";` + config
	item, err := sfv.ParseItem(raw)
	if err != nil {
		s.logger.Error().Err(err).Str("config", config).Msg("prep: unparseable offer")
		return statusDict(http.StatusInternalServerError)
	}

	h := s.c.Response().Header()
	if prev := h.Get("Accept-Events"); prev != "" {
		h.Set("Accept-Events", prev+", "+raw)
	} else {
		h.Set("Accept-Events", raw)
	}
	s.config = &item
	return nil
}

func defaultOffer(contentTypes []string) string {
	quoted := make([]string, len(contentTypes))
	for i, ct := range contentTypes {
		quoted[i] = `"` + ct + `"`
	}
	return "accept=(" + strings.Join(quoted, " ") + ")"
}

// Send negotiates the event profile and, on success, takes over the
// response: it registers a subscription, emits the multipart/mixed envelope
// with the representation part and the open multipart/digest part, and
// blocks writing notifications until the connection closes, the duration
// expires, or a terminal event arrives; it then returns (nil, nil).
//
// When the response is ineligible or negotiation fails, Send writes nothing
// and returns a protocol dictionary carrying the failure status; the caller
// serializes it into the Events header of its ordinary response. A non-nil
// error means serialization failed mid-flight and the caller should surface
// a 500.
func (s *Session) Send(opts SendOptions) (*sfv.Dict, error) {
	res := s.c.Response()
	req := s.c.Request()
	path := req.URL.Path

	switch res.Status {
	case http.StatusOK, http.StatusNoContent, http.StatusPartialContent, http.StatusIMUsed:
	default:
		return statusDict(http.StatusPreconditionFailed), nil
	}
	if s.config == nil {
		return statusDict(http.StatusInternalServerError), nil
	}
	if len(acceptAlternatives(s.config)) == 0 {
		return statusDict(http.StatusInternalServerError), nil
	}

	params := opts.Params
	if params == nil {
		params = s.request
	}
	if params == nil {
		empty := sfv.NewItem(sfv.Token("prep"))
		params = &empty
	}
	cleaned := params.Clone()
	cleaned.Params.Del("q") // quality is a request-side concern

	profile := NegotiateContent(&cleaned, s.config)
	if profile == nil {
		return statusDict(http.StatusNotAcceptable), nil
	}
	if opts.Modifiers.NegotiateEvents != nil {
		profile = opts.Modifiers.NegotiateEvents(profile.Clone())
		if profile == nil {
			return statusDict(http.StatusNotAcceptable), nil
		}
	}
	negotiated := Cleanup(profile)

	addVary(res.Header(), "Accept-Events")

	duration := s.opts.DefaultDuration
	if v, ok := cleaned.Params.Get("duration"); ok {
		if secs, ok := v.(int64); ok && secs > 0 {
			if d := time.Duration(secs) * time.Second; d <= s.opts.MaxDuration {
				duration = d
			}
		}
	}

	events := statusDict(http.StatusOK)
	events.SetString("expires", time.Now().Add(duration).UTC().Format(http.TimeFormat))

	// The connection outlives any server-wide idle timeout; push the write
	// deadline past the negotiated duration instead.
	rc := http.NewResponseController(res)
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("prep: cannot clear read deadline")
	}
	if err := rc.SetWriteDeadline(time.Now().Add(duration + time.Second)); err != nil {
		s.logger.Debug().Err(err).Msg("prep: cannot extend write deadline")
	}

	reqLastEventID := req.Header.Get("Last-Event-ID")
	if reqLastEventID != "" {
		addVary(res.Header(), "Last-Event-ID")
	}
	hasBody := opts.Body != "" || opts.BodyStream != nil
	skipBody := hasBody &&
		(reqLastEventID == "*" || (reqLastEventID != "" && reqLastEventID == s.ids.Last(path)))

	mixedBoundary := randomBoundary()
	digestBoundary := randomBoundary()
	res.Header().Set(echo.HeaderContentType, `multipart/mixed; boundary="`+mixedBoundary+`"`)

	if opts.Modifiers.ModifyEventsHeader != nil {
		events.Merge(opts.Modifiers.ModifyEventsHeader(negotiated.Clone()))
	}
	serialized, err := events.Marshal()
	if err != nil {
		return nil, fmt.Errorf("prep: marshal events header: %w", err)
	}
	res.Header().Set("Events", serialized)

	// Register before the first byte is written: once the client sees any
	// part of this response the subscription is live, so a mutation fired
	// right after the handshake cannot fall between envelope and subscribe.
	stream := make(chan streamEvent, streamBuffer)
	unsubscribe := s.engine.Subscribe(Subscription{
		Path:              path,
		Profile:           negotiated,
		WriteNotification: func(n string, last bool) { s.enqueue(stream, streamEvent{body: n, last: last}) },
		WriteEnd:          func() { s.enqueue(stream, streamEvent{end: true}) },
	})
	defer unsubscribe()

	res.WriteHeader(res.Status)

	if !skipBody && hasBody {
		var part strings.Builder
		part.WriteString("--" + mixedBoundary + "\r\n")
		for _, h := range opts.Headers {
			part.WriteString(h.Name + ": " + h.Value + "\r\n")
		}
		part.WriteString("\r\n")
		if _, err := io.WriteString(res, part.String()); err != nil {
			return nil, nil
		}
		if opts.BodyStream != nil {
			if _, err := io.Copy(res, opts.BodyStream); err != nil {
				return nil, nil
			}
		} else if _, err := io.WriteString(res, opts.Body); err != nil {
			return nil, nil
		}
		s.writeString(res, "\r\n--"+mixedBoundary+"\r\n")
	} else {
		// Client already holds the representation (or none was supplied):
		// the envelope starts directly with the digest part.
		s.writeString(res, "--"+mixedBoundary+"\r\n")
	}
	s.writeString(res, `Content-Type: multipart/digest; boundary="`+digestBoundary+`"`+"\r\n")
	s.writeString(res, ProfileHeader(negotiated))
	// The trailing CRLF is the first notification part's empty header block.
	// Each part's prefix travels with the preceding delimiter so a flushed
	// notification parses without waiting for the next event's bytes.
	s.writeString(res, "\r\n--"+digestBoundary+"\r\n\r\n")
	res.Flush()

	s.stream(stream, res, duration, mixedBoundary, digestBoundary, quirkMode(req.UserAgent()))
	return nil, nil
}

type streamEvent struct {
	body string
	last bool
	end  bool
}

func (s *Session) enqueue(stream chan streamEvent, ev streamEvent) {
	select {
	case stream <- ev:
	default:
		// Subscriber queue full; drop rather than block the fan-out.
		s.logger.Error().Str("path", s.c.Request().URL.Path).
			Msg("prep: subscriber queue full, notification dropped")
	}
}

// stream is the open phase of a successful send: it blocks the handler
// goroutine writing queued notifications until exactly one of the three
// terminations fires: end event, client disconnect, or duration expiry.
func (s *Session) stream(stream chan streamEvent, res *echo.Response, duration time.Duration, mixedBoundary, digestBoundary string, quirk bool) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	done := s.c.Request().Context().Done()

	terminated := false
	for {
		select {
		case ev := <-stream:
			if ev.end {
				// An end without a preceding terminal notification (the
				// generator declined to render one) still has to close the
				// digest envelope before the outer one.
				if !terminated {
					s.writeString(res, "\r\n--"+digestBoundary+"--")
				}
				s.writeString(res, "\r\n--"+mixedBoundary+"--\r\n")
				res.Flush()
				return
			}
			if ev.last {
				s.writeString(res, ev.body+padding(quirk)+"\r\n--"+digestBoundary+"--")
				terminated = true
			} else {
				// The chunk ends with the next part's empty header block so
				// the notification it carries is parseable as flushed.
				s.writeString(res, ev.body+padding(quirk)+"\r\n--"+digestBoundary+"\r\n\r\n")
			}
			res.Flush()
		case <-done:
			// Socket closed or request aborted; nothing more can be
			// written. The deferred unsubscribe runs exactly once.
			return
		case <-timer.C:
			if !terminated {
				s.writeString(res, "\r\n--"+digestBoundary+"--")
			}
			s.writeString(res, "\r\n--"+mixedBoundary+"--\r\n")
			res.Flush()
			return
		}
	}
}

func (s *Session) writeString(w io.Writer, v string) {
	if v == "" {
		return
	}
	if _, err := io.WriteString(w, v); err != nil {
		s.logger.Debug().Err(err).Msg("prep: stream write failed")
	}
}

func padding(quirk bool) string {
	if !quirk {
		return ""
	}
	return strings.Repeat("\r\n", quirkPadCount)
}

// quirkMode reports whether the client needs anti-buffering padding.
func quirkMode(userAgent string) bool {
	return strings.Contains(strings.ToLower(userAgent), "firefox")
}

// Trigger schedules a notification for after the current handler has
// completed its own response. It never blocks the caller: the request is
// queued on the session and drained by the middleware once the handler
// returns.
func (s *Session) Trigger(opts TriggerOptions) {
	req := s.c.Request()
	path := opts.Path
	if path == "" {
		path = req.URL.Path
	}
	generate := opts.GenerateNotification
	if generate == nil {
		generate = func(Profile) string { return s.DefaultNotification(Notification{}) }
	}
	last := path == req.URL.Path && req.Method == http.MethodDelete
	if opts.LastEvent != nil {
		last = *opts.LastEvent
	}

	s.mu.Lock()
	s.deferred = append(s.deferred, NotifyRequest{
		Path:                 path,
		GenerateNotification: generate,
		LastEvent:            last,
	})
	s.mu.Unlock()
}

func (s *Session) takeDeferred() []NotifyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.deferred
	s.deferred = nil
	return out
}

// DefaultNotification renders a notification body with defaults drawn from
// the current exchange: the request method, the response Date header (or
// now), and the Event-ID and Content-Location response headers. The part
// framing around the document belongs to the stream's write sink.
func (s *Session) DefaultNotification(n Notification) string {
	res := s.c.Response()
	if n.Method == "" {
		n.Method = s.c.Request().Method
	}
	if n.Date == "" {
		n.Date = res.Header().Get("Date")
	}
	if n.Date == "" {
		n.Date = time.Now().UTC().Format(http.TimeFormat)
	}
	if n.EventID == "" {
		n.EventID = res.Header().Get("Event-ID")
	}
	if n.Location == "" {
		n.Location = res.Header().Get("Content-Location")
	}
	return RFC822(n)
}

func statusDict(status int) *sfv.Dict {
	d := sfv.NewDict()
	d.SetToken("protocol", "prep")
	d.SetInt("status", int64(status))
	return d
}

func addVary(h http.Header, value string) {
	for _, existing := range h.Values("Vary") {
		for _, member := range strings.Split(existing, ",") {
			if strings.EqualFold(strings.TrimSpace(member), value) {
				return
			}
		}
	}
	h.Add("Vary", value)
}
