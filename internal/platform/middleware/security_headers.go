package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers on every request. The API returns
// patient results, so responses must never be cached by intermediaries.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			// Prevent MIME type sniffing
			h.Set("X-Content-Type-Options", "nosniff")

			// Prevent clickjacking
			h.Set("X-Frame-Options", "DENY")

			// Disable the legacy browser XSS filter; CSP below replaces it.
			h.Set("X-XSS-Protection", "0")

			// JSON only: deny all resource loading and frame embedding.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// HSTS for one year including subdomains.
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			// Do not leak lab item URLs to downstream services.
			h.Set("Referrer-Policy", "no-referrer")

			// Browser features the API never needs.
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// Result payloads carry patient data.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
