package prep

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/prep/prep/internal/platform/sfv"
)

const sessionContextKey = "prep_session"

// Sessions returns the PREP middleware. For every request it attaches a
// *Session to the echo context, parses the client's Accept-Events selection,
// runs the handler, and then drains any triggers the handler queued — so a
// mutation handler always observes its own response completing before its
// notification reaches any subscriber, including a subscriber on the same
// path.
func Sessions(engine *Engine, ids *EventIDStore, logger zerolog.Logger, opts Options) echo.MiddlewareFunc {
	opts = opts.withDefaults()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s := &Session{
				c:      c,
				engine: engine,
				ids:    ids,
				logger: logger,
				opts:   opts,
			}
			if raw := c.Request().Header.Get("Accept-Events"); raw != "" {
				s.request = prepSelection(raw, logger)
			}
			c.Set(sessionContextKey, s)

			err := next(c)

			for _, n := range s.takeDeferred() {
				engine.Notify(n)
			}
			return err
		}
	}
}

// FromContext returns the request's session, or nil when the Sessions
// middleware is not installed.
func FromContext(c echo.Context) *Session {
	s, _ := c.Get(sessionContextKey).(*Session)
	return s
}

// prepSelection extracts the client's "prep" member from an Accept-Events
// header value. A header that does not parse is treated as absent.
func prepSelection(raw string, logger zerolog.Logger) *sfv.Item {
	list, err := sfv.ParseList(raw)
	if err != nil {
		logger.Debug().Err(err).Str("accept_events", raw).
			Msg("prep: ignoring malformed Accept-Events header")
		return nil
	}
	for i := range list {
		if strings.EqualFold(list[i].BareString(), "prep") {
			return &list[i]
		}
	}
	return nil
}
