package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for an API that returns patient
// data and prescription documents.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "SAMEORIGIN")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// Documents and history contain patient data.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
