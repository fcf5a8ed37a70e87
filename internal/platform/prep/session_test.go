package prep

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/prep/prep/internal/platform/sfv"
)

func newTestSession(t *testing.T, req *http.Request) (*Session, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	// echo primes Response.Status to 200 only inside ServeHTTP; a bare
	// NewContext leaves it zero, which Send treats as ineligible.
	c.Response().Status = http.StatusOK
	s := &Session{
		c:      c,
		engine: NewEngine(zerolog.Nop()),
		ids:    NewEventIDStore(),
		logger: zerolog.Nop(),
		opts:   Options{}.withDefaults(),
	}
	if raw := req.Header.Get("Accept-Events"); raw != "" {
		s.request = prepSelection(raw, s.logger)
	}
	return s, rec
}

func dictStatus(t *testing.T, d *sfv.Dict) int64 {
	t.Helper()
	if d == nil {
		t.Fatal("expected a protocol dictionary")
	}
	it, ok := d.Get("status")
	if !ok {
		t.Fatal("dictionary has no status member")
	}
	n, ok := it.Value.(int64)
	if !ok {
		t.Fatalf("status is %T, not int64", it.Value)
	}
	return n
}

// notifyWhenSubscribed waits for the session's subscription to register and
// then fires the given notifications, ending with a terminal one so the
// blocked Send returns.
func notifyWhenSubscribed(s *Session, path string, notifications ...NotifyRequest) {
	go func() {
		for i := 0; i < 5000; i++ {
			if s.engine.PathCount() > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		for _, n := range notifications {
			s.engine.Notify(n)
		}
	}()
}

func TestConfigure_DefaultOffer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil)
	s, rec := newTestSession(t, req)

	if d := s.Configure(""); d != nil {
		t.Fatalf("unexpected failure dictionary: %v", d.Keys())
	}
	want := `"prep";accept=("message/rfc822")`
	if got := rec.Header().Get("Accept-Events"); got != want {
		t.Errorf("Accept-Events = %q, want %q", got, want)
	}
}

func TestConfigure_AppendsToExistingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil)
	s, rec := newTestSession(t, req)
	rec.Header().Set("Accept-Events", `"other"`)

	if d := s.Configure(`accept=("message/rfc822" "text/plain")`); d != nil {
		t.Fatalf("unexpected failure dictionary: %v", d.Keys())
	}
	got := rec.Header().Get("Accept-Events")
	if !strings.HasPrefix(got, `"other", `) {
		t.Errorf("expected existing member preserved, got %q", got)
	}
	if !strings.Contains(got, `"prep";accept=("message/rfc822" "text/plain")`) {
		t.Errorf("expected offer appended, got %q", got)
	}
}

func TestConfigure_UnparseableConfig(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil)
	s, rec := newTestSession(t, req)

	d := s.Configure(`accept=((`)
	if got := dictStatus(t, d); got != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", got)
	}
	if rec.Header().Get("Accept-Events") != "" {
		t.Error("a failed Configure must not advertise an offer")
	}
}

func TestSend_IneligibleStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil)
	s, _ := newTestSession(t, req)
	if d := s.Configure(""); d != nil {
		t.Fatal("configure failed")
	}
	s.c.Response().Status = http.StatusNotFound

	d, err := s.Send(SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dictStatus(t, d); got != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412", got)
	}
}

func TestSend_WithoutConfigure(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil)
	s, _ := newTestSession(t, req)

	d, err := s.Send(SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dictStatus(t, d); got != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", got)
	}
}

func TestSend_NegotiationFailure(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil)
	req.Header.Set("Accept-Events", `"prep";accept=("application/json")`)
	s, rec := newTestSession(t, req)
	if d := s.Configure(""); d != nil {
		t.Fatal("configure failed")
	}

	d, err := s.Send(SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dictStatus(t, d); got != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406", got)
	}
	if rec.Body.Len() != 0 {
		t.Error("a failed Send must not write the response body")
	}
}

func TestSend_ModifierCanReject(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil)
	req.Header.Set("Accept-Events", `"prep"`)
	s, _ := newTestSession(t, req)
	if d := s.Configure(""); d != nil {
		t.Fatal("configure failed")
	}

	d, err := s.Send(SendOptions{
		Modifiers: Modifiers{NegotiateEvents: func(Profile) Profile { return nil }},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dictStatus(t, d); got != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406", got)
	}
}

func TestSend_StreamsNotificationsUntilTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil).WithContext(ctx)
	req.Header.Set("Accept-Events", `"prep"`)
	s, rec := newTestSession(t, req)
	if d := s.Configure(""); d != nil {
		t.Fatal("configure failed")
	}

	notifyWhenSubscribed(s, "/notes/1",
		NotifyRequest{Path: "/notes/1", GenerateNotification: func(Profile) string {
			return RFC822(Notification{Method: "PUT", Date: "Mon, 24 Aug 2026 10:00:00 GMT", EventID: "abc123"})
		}},
		NotifyRequest{Path: "/notes/1", LastEvent: true, GenerateNotification: func(Profile) string {
			return RFC822(Notification{Method: "DELETE", Date: "Mon, 24 Aug 2026 10:00:01 GMT"})
		}},
	)

	d, err := s.Send(SendOptions{
		Headers: []Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:    "The quick brown fox jumped over the lazy dog.",
	})
	if d != nil || err != nil {
		t.Fatalf("expected streaming success, got dict=%v err=%v", d, err)
	}

	if s.engine.PathCount() != 0 {
		t.Error("expected subscription drained after terminal event")
	}

	events := rec.Header().Get("Events")
	for _, want := range []string{"protocol=prep", "status=200", "expires="} {
		if !strings.Contains(events, want) {
			t.Errorf("Events header %q missing %q", events, want)
		}
	}
	if vary := strings.Join(rec.Header().Values("Vary"), ", "); !strings.Contains(vary, "Accept-Events") {
		t.Errorf("Vary %q missing Accept-Events", vary)
	}

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get(echo.HeaderContentType))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("content type %q: %v", mediaType, err)
	}

	outer := multipart.NewReader(rec.Body, params["boundary"])

	rep, err := outer.NextPart()
	if err != nil {
		t.Fatalf("representation part: %v", err)
	}
	if ct := rep.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("representation content type %q", ct)
	}
	body, _ := io.ReadAll(rep)
	if string(body) != "The quick brown fox jumped over the lazy dog." {
		t.Errorf("representation body %q", body)
	}

	digest, err := outer.NextPart()
	if err != nil {
		t.Fatalf("digest part: %v", err)
	}
	_, dparams, err := mime.ParseMediaType(digest.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("digest content type: %v", err)
	}

	inner := multipart.NewReader(digest, dparams["boundary"])
	var docs []string
	for {
		p, err := inner.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("digest part read: %v", err)
		}
		doc, _ := io.ReadAll(p)
		docs = append(docs, string(doc))
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %q", len(docs), docs)
	}
	if !strings.Contains(docs[0], "Method: PUT") || !strings.Contains(docs[0], "Event-ID: abc123") {
		t.Errorf("first notification %q", docs[0])
	}
	if !strings.Contains(docs[1], "Method: DELETE") {
		t.Errorf("second notification %q", docs[1])
	}

	if _, err := outer.NextPart(); err != io.EOF {
		t.Errorf("expected envelope to close after digest part, got %v", err)
	}
}

func TestSend_SkipsBodyForUpToDateClient(t *testing.T) {
	for _, lastEventID := range []string{"*", ""} {
		name := "wildcard"
		if lastEventID == "" {
			name = "matching id"
		}
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			req := httptest.NewRequest(http.MethodGet, "/notes/1", nil).WithContext(ctx)
			req.Header.Set("Accept-Events", `"prep"`)
			s, rec := newTestSession(t, req)

			id := lastEventID
			if id == "" {
				id = s.ids.Set("/notes/1")
			}
			req.Header.Set("Last-Event-ID", id)

			if d := s.Configure(""); d != nil {
				t.Fatal("configure failed")
			}
			notifyWhenSubscribed(s, "/notes/1", NotifyRequest{
				Path:      "/notes/1",
				LastEvent: true,
				GenerateNotification: func(Profile) string {
					return RFC822(Notification{Method: "DELETE", Date: "now"})
				},
			})

			d, err := s.Send(SendOptions{Body: "stale representation"})
			if d != nil || err != nil {
				t.Fatalf("expected streaming success, got dict=%v err=%v", d, err)
			}

			if strings.Contains(rec.Body.String(), "stale representation") {
				t.Error("representation must be skipped for an up-to-date client")
			}
			_, params, err := mime.ParseMediaType(rec.Header().Get(echo.HeaderContentType))
			if err != nil {
				t.Fatalf("content type: %v", err)
			}
			outer := multipart.NewReader(rec.Body, params["boundary"])
			first, err := outer.NextPart()
			if err != nil {
				t.Fatalf("first part: %v", err)
			}
			if ct := first.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/digest") {
				t.Errorf("expected envelope to open with the digest part, got %q", ct)
			}
			if vary := strings.Join(rec.Header().Values("Vary"), ", "); !strings.Contains(vary, "Last-Event-ID") {
				t.Errorf("Vary %q missing Last-Event-ID", vary)
			}
		})
	}
}

func TestSend_StaleLastEventIDKeepsBody(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil).WithContext(ctx)
	req.Header.Set("Accept-Events", `"prep"`)
	req.Header.Set("Last-Event-ID", "stale0")
	s, rec := newTestSession(t, req)
	s.ids.Set("/notes/1")

	if d := s.Configure(""); d != nil {
		t.Fatal("configure failed")
	}
	notifyWhenSubscribed(s, "/notes/1", NotifyRequest{
		Path:      "/notes/1",
		LastEvent: true,
		GenerateNotification: func(Profile) string {
			return "\r\n" + RFC822(Notification{Method: "DELETE", Date: "now"})
		},
	})

	if _, err := s.Send(SendOptions{Body: "fresh representation"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "fresh representation") {
		t.Error("a stale client must still receive the representation")
	}
}

func TestSend_DurationExpiryClosesEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil)
	req.Header.Set("Accept-Events", `"prep";duration=1`)
	s, rec := newTestSession(t, req)
	s.opts.MaxDuration = 2 * time.Second

	if d := s.Configure(""); d != nil {
		t.Fatal("configure failed")
	}
	start := time.Now()
	d, err := s.Send(SendOptions{Body: "content"})
	if d != nil || err != nil {
		t.Fatalf("expected streaming success, got dict=%v err=%v", d, err)
	}
	if elapsed := time.Since(start); elapsed < time.Second || elapsed > 5*time.Second {
		t.Errorf("expected the 1s duration to end the stream, took %v", elapsed)
	}

	_, params, err := mime.ParseMediaType(rec.Header().Get(echo.HeaderContentType))
	if err != nil {
		t.Fatalf("content type: %v", err)
	}
	outer := multipart.NewReader(rec.Body, params["boundary"])
	for {
		if _, err := outer.NextPart(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("expiry must still close the envelope cleanly: %v", err)
		}
	}
	if s.engine.PathCount() != 0 {
		t.Error("expected unsubscribe after expiry")
	}
}

// streamWriter adapts an io.Pipe to echo's response writer so a test can
// read the stream while Send is still blocked writing it, the way a client
// on a live connection would.
type streamWriter struct {
	header http.Header
	pw     *io.PipeWriter
}

func (w *streamWriter) Header() http.Header         { return w.header }
func (w *streamWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }
func (w *streamWriter) WriteHeader(int)             {}
func (w *streamWriter) Flush()                      {}

func newStreamingSession(t *testing.T, req *http.Request) (*Session, *streamWriter, *io.PipeReader) {
	t.Helper()
	pr, pw := io.Pipe()
	w := &streamWriter{header: http.Header{}, pw: pw}
	c := echo.New().NewContext(req, w)
	c.Response().Status = http.StatusOK
	s := &Session{
		c:      c,
		engine: NewEngine(zerolog.Nop()),
		ids:    NewEventIDStore(),
		logger: zerolog.Nop(),
		opts:   Options{}.withDefaults(),
	}
	if raw := req.Header.Get("Accept-Events"); raw != "" {
		s.request = prepSelection(raw, s.logger)
	}
	return s, w, pr
}

// await runs a blocking parse step and fails the test if it does not
// complete from the bytes already flushed.
func await(t *testing.T, what string, fn func() (string, error)) string {
	t.Helper()
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := fn()
		ch <- result{out, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("%s: %v", what, r.err)
		}
		return r.out
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not parse from the flushed bytes", what)
		return ""
	}
}

func TestSend_NotificationsParseableAsFlushed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil).WithContext(ctx)
	req.Header.Set("Accept-Events", `"prep"`)
	s, w, pr := newStreamingSession(t, req)

	if d := s.Configure(""); d != nil {
		t.Fatal("configure failed")
	}
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		defer w.pw.Close()
		s.Send(SendOptions{
			Headers: []Header{{Name: "Content-Type", Value: "text/plain"}},
			Body:    "content",
		})
	}()

	// Headers are final once the subscription registers.
	for i := 0; i < 5000 && s.engine.PathCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	_, params, err := mime.ParseMediaType(w.header.Get(echo.HeaderContentType))
	if err != nil {
		t.Fatalf("content type: %v", err)
	}
	outer := multipart.NewReader(pr, params["boundary"])

	await(t, "representation part", func() (string, error) {
		p, err := outer.NextPart()
		if err != nil {
			return "", err
		}
		b, err := io.ReadAll(p)
		return string(b), err
	})

	var inner *multipart.Reader
	await(t, "digest part", func() (string, error) {
		p, err := outer.NextPart()
		if err != nil {
			return "", err
		}
		_, dparams, err := mime.ParseMediaType(p.Header.Get("Content-Type"))
		if err != nil {
			return "", err
		}
		inner = multipart.NewReader(p, dparams["boundary"])
		return "", nil
	})

	readNext := func() (string, error) {
		p, err := inner.NextPart()
		if err != nil {
			return "", err
		}
		b, err := io.ReadAll(p)
		return string(b), err
	}

	// Each notification must surface before the next event produces any
	// bytes, not one event late.
	s.engine.Notify(NotifyRequest{Path: "/notes/1", GenerateNotification: func(Profile) string {
		return RFC822(Notification{Method: "PATCH", Date: "Mon, 24 Aug 2026 10:00:00 GMT"})
	}})
	if doc := await(t, "first notification", readNext); !strings.Contains(doc, "Method: PATCH") {
		t.Errorf("first notification %q", doc)
	}

	s.engine.Notify(NotifyRequest{Path: "/notes/1", GenerateNotification: func(Profile) string {
		return RFC822(Notification{Method: "PUT", Date: "Mon, 24 Aug 2026 10:00:01 GMT"})
	}})
	if doc := await(t, "second notification", readNext); !strings.Contains(doc, "Method: PUT") {
		t.Errorf("second notification %q", doc)
	}

	s.engine.Notify(NotifyRequest{Path: "/notes/1", LastEvent: true, GenerateNotification: func(Profile) string {
		return RFC822(Notification{Method: "DELETE", Date: "Mon, 24 Aug 2026 10:00:02 GMT"})
	}})
	if doc := await(t, "terminal notification", readNext); !strings.Contains(doc, "Method: DELETE") {
		t.Errorf("terminal notification %q", doc)
	}
	await(t, "digest close", func() (string, error) {
		if _, err := inner.NextPart(); err != io.EOF {
			return "", fmt.Errorf("expected digest close, got %v", err)
		}
		return "", nil
	})
	await(t, "envelope close", func() (string, error) {
		if _, err := outer.NextPart(); err != io.EOF {
			return "", fmt.Errorf("expected envelope close, got %v", err)
		}
		return "", nil
	})
	<-sendDone
}

func TestSend_SuppressedTerminalStillClosesDigest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/notes/1", nil).WithContext(ctx)
	req.Header.Set("Accept-Events", `"prep"`)
	s, rec := newTestSession(t, req)
	if d := s.Configure(""); d != nil {
		t.Fatal("configure failed")
	}

	// The generator declines to render the terminal notification, so the
	// stream only sees the end; both envelopes must still terminate.
	notifyWhenSubscribed(s, "/notes/1", NotifyRequest{
		Path:                 "/notes/1",
		LastEvent:            true,
		GenerateNotification: func(Profile) string { return "" },
	})

	d, err := s.Send(SendOptions{Body: "content"})
	if d != nil || err != nil {
		t.Fatalf("expected streaming success, got dict=%v err=%v", d, err)
	}

	_, params, err := mime.ParseMediaType(rec.Header().Get(echo.HeaderContentType))
	if err != nil {
		t.Fatalf("content type: %v", err)
	}
	outer := multipart.NewReader(rec.Body, params["boundary"])
	if _, err := outer.NextPart(); err != nil {
		t.Fatalf("representation part: %v", err)
	}
	digest, err := outer.NextPart()
	if err != nil {
		t.Fatalf("digest part: %v", err)
	}
	_, dparams, err := mime.ParseMediaType(digest.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("digest content type: %v", err)
	}
	inner := multipart.NewReader(digest, dparams["boundary"])
	for {
		p, err := inner.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("digest must close cleanly without a terminal notification: %v", err)
		}
		if doc, _ := io.ReadAll(p); len(doc) != 0 {
			t.Errorf("unexpected notification %q", doc)
		}
	}
	if _, err := outer.NextPart(); err != io.EOF {
		t.Errorf("expected envelope close, got %v", err)
	}
}

func TestTrigger_Defaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/notes/1", nil)
	s, _ := newTestSession(t, req)

	s.Trigger(TriggerOptions{})
	s.Trigger(TriggerOptions{Path: "/notes"})

	deferred := s.takeDeferred()
	if len(deferred) != 2 {
		t.Fatalf("expected 2 queued triggers, got %d", len(deferred))
	}
	if deferred[0].Path != "/notes/1" || !deferred[0].LastEvent {
		t.Errorf("DELETE on own path must default to a terminal event: %+v", deferred[0])
	}
	if deferred[1].Path != "/notes" || deferred[1].LastEvent {
		t.Errorf("related-path trigger must not be terminal by default: %+v", deferred[1])
	}
	if len(s.takeDeferred()) != 0 {
		t.Error("takeDeferred must drain the queue")
	}
}

func TestTrigger_DefaultNotificationBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPatch, "/notes/1", nil)
	s, rec := newTestSession(t, req)
	rec.Header().Set("Event-ID", "zzz999")
	rec.Header().Set("Content-Location", "/notes/1")

	s.Trigger(TriggerOptions{})
	deferred := s.takeDeferred()
	if len(deferred) != 1 {
		t.Fatalf("expected 1 queued trigger, got %d", len(deferred))
	}
	if deferred[0].LastEvent {
		t.Error("PATCH must not be terminal by default")
	}
	body := deferred[0].GenerateNotification(Profile{"content-type": mustItem(t, `message/rfc822`)})
	if !strings.HasPrefix(body, "Method: PATCH\r\n") {
		t.Errorf("notification %q", body)
	}
	for _, want := range []string{"Event-ID: zzz999\r\n", "Location: /notes/1\r\n", "Date: "} {
		if !strings.Contains(body, want) {
			t.Errorf("notification %q missing %q", body, want)
		}
	}
}
