package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/token-issuance/internal/service"
)

// statusFor maps lifecycle errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInactive), errors.Is(err, service.ErrContactMismatch):
		return http.StatusForbidden
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrLimitExceeded), errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// kindMessages are the client-facing texts per failure kind.  The wrapped
// error chain only goes to the log.
var kindMessages = map[string]string{
	"not_found":        "token not found",
	"inactive":         "token is inactive",
	"expired":          "token has expired",
	"limit_exceeded":   "token usage limit reached",
	"contact_mismatch": "contact does not match the token restriction",
	"conflict":         "could not allocate a unique token code, retry",
}

// writeServiceError renders err as {"error": kind, "message": ...}.  Store
// failures are logged and answered with a generic message.
func writeServiceError(c echo.Context, log *slog.Logger, err error) error {
	status := statusFor(err)
	kind := service.Kind(err)
	msg, ok := kindMessages[kind]
	if !ok {
		msg = "internal error"
	}
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		msg = ve.Error()
	case status == http.StatusInternalServerError:
		log.Error("request failed", slog.String("path", c.Path()), slog.Any("err", err))
	default:
		log.Debug("request rejected", slog.String("path", c.Path()), slog.Any("err", err))
	}
	return c.JSON(status, echo.Map{"error": kind, "message": msg})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation_error", "message": msg})
}
