package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request. Client errors log at warn and server
// errors at error, using the status an echo.HTTPError will be rendered with.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			began := time.Now()
			err := next(c)

			status := responseStatus(c, err)
			rid, _ := c.Get("request_id").(string)
			req := c.Request()

			logger.WithLevel(levelFor(status)).
				Err(err).
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(began)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

func responseStatus(c echo.Context, err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	if err != nil && !c.Response().Committed {
		return 500
	}
	return c.Response().Status
}

func levelFor(status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
