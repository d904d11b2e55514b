package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/voice"
)

// NewTwilioSignature rejects voice webhooks whose X-Twilio-Signature does not
// match. publicURL must be the base URL Twilio was given, since the
// signature covers the full external URL.
func NewTwilioSignature(validator *voice.SignatureValidator, publicURL string, log logger.Logger) echo.MiddlewareFunc {
	base := strings.TrimRight(publicURL, "/")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if err := req.ParseForm(); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid form body")
			}
			// Only body parameters are signed; query parameters are part of the URL.
			if !validator.Valid(base+req.URL.RequestURI(), req.PostForm, req.Header.Get(voice.SignatureHeader)) {
				log.Warn("rejected voice webhook with bad signature",
					logger.String("path", req.URL.Path),
					logger.String("ip", c.RealIP()))
				return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
			}
			return next(c)
		}
	}
}
