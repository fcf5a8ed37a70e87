package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header carrying the request correlation id.
const RequestIDHeader = "X-Request-ID"

// requestIDContextKey is where the correlation id lives on the echo context;
// the logger and recovery middleware read it from there.
const requestIDContextKey = "request_id"

// RequestID returns middleware that assigns each request a correlation id.
// An id supplied by the client is preserved; otherwise a fresh UUID is
// generated. The id is stored on the context and echoed in the response
// header.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(requestIDContextKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
