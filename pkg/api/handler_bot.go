package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/valentinvl1/vexa/pkg/lifecycle"
	"github.com/valentinvl1/vexa/pkg/models"
)

// requestBotHandler handles POST /bots: admission-checks and launches a
// bot container for the meeting tuple.
func (s *Server) requestBotHandler(c echo.Context) error {
	var req CreateBotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.NativeMeetingID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "native_meeting_id field is required")
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	meeting, err := s.manager.RequestBot(c.Request().Context(), currentUser(c), currentToken(c), lifecycle.BotRequest{
		Platform:        platform,
		NativeMeetingID: req.NativeMeetingID,
		BotName:         req.BotName,
		Language:        req.Language,
		Task:            req.Task,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, NewMeetingResponse(meeting))
}

// stopBotHandler handles DELETE /bots/:platform/:native_meeting_id. The
// leave command and the delayed container stop proceed in the background;
// the response is immediate.
func (s *Server) stopBotHandler(c echo.Context) error {
	platform, err := models.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	err = s.manager.StopBot(c.Request().Context(), currentUser(c), platform, c.Param("native_meeting_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, MessageResponse{Message: "Stop request accepted and is being processed."})
}

// reconfigureBotHandler handles PUT /bots/:platform/:native_meeting_id/config.
func (s *Server) reconfigureBotHandler(c echo.Context) error {
	platform, err := models.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req BotConfigUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Language == "" && req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one of language or task must be provided")
	}

	err = s.manager.Reconfigure(c.Request().Context(), currentUser(c), platform, c.Param("native_meeting_id"), req.Language, req.Task)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, MessageResponse{Message: "Reconfiguration request accepted and sent to the bot."})
}

// botStatusHandler handles GET /bots/status.
func (s *Server) botStatusHandler(c echo.Context) error {
	entries, err := s.manager.BotStatus(c.Request().Context(), currentUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	if entries == nil {
		entries = []lifecycle.BotStatusEntry{}
	}
	return c.JSON(http.StatusOK, BotStatusResponse{RunningBots: entries})
}

// exitCallbackHandler handles the bot's POST /bots/internal/callback/exited.
func (s *Server) exitCallbackHandler(c echo.Context) error {
	var req ExitCallbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ConnectionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "connection_id field is required")
	}
	if req.ExitCode == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "exit_code field is required")
	}

	meeting, err := s.manager.HandleExitCallback(c.Request().Context(), req.ConnectionID, *req.ExitCode, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "callback processed",
		"meeting_id":   meeting.ID,
		"final_status": meeting.Status,
	})
}
