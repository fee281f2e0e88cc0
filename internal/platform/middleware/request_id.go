package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header a caller can set to propagate its own
// correlation id, and that RequestID always echoes back on the response.
const RequestIDHeader = "X-Request-ID"

// RequestID returns Echo middleware that stamps every request with a
// correlation id, reusing an inbound X-Request-ID header if present and
// generating one otherwise. Downstream middleware (Logger) and handlers
// read it back via c.Get("request_id").
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
