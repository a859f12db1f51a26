package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/valentinvl1/vexa/pkg/models"
)

// listMeetingsHandler handles GET /meetings: the caller's meetings, newest
// first.
func (s *Server) listMeetingsHandler(c echo.Context) error {
	meetings, err := s.meetings.ListByUser(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		return mapServiceError(err)
	}
	out := make([]MeetingResponse, 0, len(meetings))
	for _, m := range meetings {
		out = append(out, NewMeetingResponse(m))
	}
	return c.JSON(http.StatusOK, MeetingListResponse{Meetings: out})
}

// getTranscriptHandler handles GET /transcripts/:platform/:native_meeting_id:
// the merged persisted+buffered transcript of the newest matching meeting.
func (s *Server) getTranscriptHandler(c echo.Context) error {
	platform, err := models.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	transcript, err := s.assembler.Assemble(c.Request().Context(), currentUser(c).ID, platform, c.Param("native_meeting_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, NewTranscriptResponse(transcript))
}

// setWebhookHandler handles PUT /user/webhook.
func (s *Server) setWebhookHandler(c echo.Context) error {
	var req WebhookUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.WebhookURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "webhook_url field is required")
	}

	user, err := s.users.SetWebhookURL(c.Request().Context(), currentUser(c).ID, req.WebhookURL)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, NewUserResponse(user))
}
