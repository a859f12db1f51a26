package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/driver"
	"github.com/valentinvl1/vexa/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	var dupErr *services.DuplicateMeetingError
	if errors.As(err, &dupErr) {
		return echo.NewHTTPError(http.StatusConflict, dupErr.Error())
	}
	var limitErr *services.BotLimitError
	if errors.As(err, &limitErr) {
		return echo.NewHTTPError(http.StatusForbidden,
			fmt.Sprintf("User has reached the maximum concurrent bot limit (%d).", limitErr.Limit))
	}
	var conflictErr *services.ConflictError
	if errors.As(err, &conflictErr) {
		return echo.NewHTTPError(http.StatusConflict, conflictErr.Error())
	}
	switch {
	case errors.Is(err, services.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, services.ErrMissingContainer):
		return echo.NewHTTPError(http.StatusConflict, "Meeting found but has no associated container.")
	case errors.Is(err, services.ErrMissingSession):
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal state error: meeting session not found.")
	case errors.Is(err, services.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, "meeting is not in a state that permits this operation")
	case errors.Is(err, bus.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Cannot connect to internal messaging service to send command.")
	case errors.Is(err, driver.ErrUnavailable), errors.Is(err, driver.ErrImageMissing), errors.Is(err, driver.ErrConflict):
		slog.Error("Container engine error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "container engine error")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// errorHandler renders every error as the structured {"detail": ...} body.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		httpErr = mapServiceError(err)
	}

	detail := "internal server error"
	if msg, ok := httpErr.Message.(string); ok {
		detail = msg
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(httpErr.Code)
		return
	}
	_ = c.JSON(httpErr.Code, ErrorResponse{Detail: detail})
}
