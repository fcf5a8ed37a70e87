package resource

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/prep/prep/internal/platform/prep"
	"github.com/prep/prep/internal/platform/sfv"
)

// Handler serves plain resources with per-resource event streams attached.
// Reads negotiate a notification stream through the request's PREP session;
// writes queue notifications for the subscribers of the touched paths.
type Handler struct {
	store  *Store
	logger zerolog.Logger
}

func NewHandler(store *Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/notes", h.GetContainer)
	e.POST("/notes", h.Create)
	e.GET("/notes/:id", h.Get)
	e.PUT("/notes/:id", h.Update)
	e.PATCH("/notes/:id", h.Patch)
	e.DELETE("/notes/:id", h.Delete)
}

func (h *Handler) Get(c echo.Context) error {
	r, err := h.store.Get(c.Request().URL.Path)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such resource")
	}
	return h.respond(c, r.ContentType, r.ETag(), r.Body)
}

func (h *Handler) GetContainer(c echo.Context) error {
	container := c.Request().URL.Path
	members := h.store.List(container)
	body := strings.Join(members, "\n")
	if body != "" {
		body += "\n"
	}
	etag := `"` + strconv.FormatInt(h.store.ContainerVersion(container), 10) + `"`
	return h.respond(c, "text/plain", etag, body)
}

// respond writes a read response. A client that asked for notifications gets
// the multipart envelope with a live stream; everyone else gets the plain
// representation with the server's offer advertised in Accept-Events. A
// failed negotiation degrades to the plain representation with the failure
// status in the Events header.
func (h *Handler) respond(c echo.Context, contentType, etag, body string) error {
	c.Response().Header().Set("ETag", etag)

	s := prep.FromContext(c)
	if s == nil {
		return h.plain(c, contentType, body, nil)
	}
	if d := s.Configure(""); d != nil {
		return h.plain(c, contentType, body, d)
	}
	if !s.Requested() {
		return h.plain(c, contentType, body, nil)
	}

	d, err := s.Send(prep.SendOptions{
		Headers: []prep.Header{
			{Name: "Content-Type", Value: contentType},
			{Name: "ETag", Value: etag},
		},
		Body: body,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("event stream failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "event stream failed")
	}
	if d == nil {
		// The stream wrote and closed the whole response.
		return nil
	}
	return h.plain(c, contentType, body, d)
}

func (h *Handler) plain(c echo.Context, contentType, body string, events *sfv.Dict) error {
	if events != nil {
		serialized, err := events.Marshal()
		if err != nil {
			h.logger.Error().Err(err).Msg("marshal events header")
			return echo.NewHTTPError(http.StatusInternalServerError, "events header")
		}
		c.Response().Header().Set("Events", serialized)
	}
	return c.Blob(http.StatusOK, contentType, []byte(body))
}

func (h *Handler) Create(c echo.Context) error {
	body, contentType, err := readBody(c)
	if err != nil {
		return err
	}
	container := c.Request().URL.Path
	path := container + "/" + uuid.NewString()[:8]
	r, _ := h.store.Put(path, contentType, body)

	res := c.Response()
	res.Header().Set("Location", path)
	res.Header().Set("ETag", r.ETag())

	if s := prep.FromContext(c); s != nil {
		id := s.SetEventID(container)
		res.Header().Set("Event-ID", id)
		h.trigger(s, prep.Notification{EventID: id, ETag: r.ETag(), Location: path}, body, prep.TriggerOptions{Path: container})
	}
	return c.NoContent(http.StatusCreated)
}

func (h *Handler) Update(c echo.Context) error {
	body, contentType, err := readBody(c)
	if err != nil {
		return err
	}
	path := c.Request().URL.Path
	r, created := h.store.Put(path, contentType, body)

	res := c.Response()
	res.Header().Set("ETag", r.ETag())

	if s := prep.FromContext(c); s != nil {
		id := s.SetEventID()
		res.Header().Set("Event-ID", id)
		h.trigger(s, prep.Notification{ETag: r.ETag()}, body, prep.TriggerOptions{})
		if created {
			cid := s.SetEventID(containerOf(path))
			h.trigger(s, prep.Notification{EventID: cid, Location: path}, "", prep.TriggerOptions{Path: containerOf(path)})
		}
	}
	if created {
		return c.NoContent(http.StatusCreated)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Patch(c echo.Context) error {
	delta, _, err := readBody(c)
	if err != nil {
		return err
	}
	path := c.Request().URL.Path
	r, err := h.store.Patch(path, delta)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such resource")
	}

	res := c.Response()
	res.Header().Set("ETag", r.ETag())

	if s := prep.FromContext(c); s != nil {
		id := s.SetEventID()
		res.Header().Set("Event-ID", id)
		h.trigger(s, prep.Notification{ETag: r.ETag()}, delta, prep.TriggerOptions{})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Delete(c echo.Context) error {
	path := c.Request().URL.Path
	if err := h.store.Delete(path); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such resource")
	}

	if s := prep.FromContext(c); s != nil {
		id := s.SetEventID()
		c.Response().Header().Set("Event-ID", id)
		// Deleting the resource ends its streams; the container just hears
		// about the change.
		h.trigger(s, prep.Notification{}, "", prep.TriggerOptions{})
		cid := s.SetEventID(containerOf(path))
		h.trigger(s, prep.Notification{EventID: cid, Location: path}, "", prep.TriggerOptions{Path: containerOf(path)})
	}
	return c.NoContent(http.StatusNoContent)
}

// trigger queues one notification. The delta is rendered only for
// subscribers whose negotiated profile carries a delta format.
func (h *Handler) trigger(s *prep.Session, base prep.Notification, delta string, opts prep.TriggerOptions) {
	opts.GenerateNotification = func(p prep.Profile) string {
		n := base
		if delta != "" {
			if ct, ok := p.ContentType(); ok {
				if _, ok := ct.Params.Get("delta"); ok {
					n.Delta = delta
				}
			}
		}
		return s.DefaultNotification(n)
	}
	s.Trigger(opts)
}

func readBody(c echo.Context) (body, contentType string, err error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	contentType = "text/plain"
	if ct := c.Request().Header.Get(echo.HeaderContentType); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			contentType = mediaType
		}
	}
	return string(raw), contentType, nil
}
