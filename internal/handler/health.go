package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Healthz is the plain liveness probe used by load balancers.
func Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Health reports liveness as JSON with the server time.
func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"success":   true,
		"message":   "API is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}
