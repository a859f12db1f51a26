package api

import (
	"time"

	"github.com/valentinvl1/vexa/pkg/lifecycle"
	"github.com/valentinvl1/vexa/pkg/models"
	"github.com/valentinvl1/vexa/pkg/transcripts"
)

// ErrorResponse is the structured error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// MessageResponse carries a human-readable acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// MeetingResponse is the external rendering of a meeting row.
type MeetingResponse struct {
	ID                    int        `json:"id"`
	UserID                int        `json:"user_id"`
	Platform              string     `json:"platform"`
	NativeMeetingID       string     `json:"native_meeting_id"`
	ConstructedMeetingURL string     `json:"constructed_meeting_url,omitempty"`
	Status                string     `json:"status"`
	BotContainerID        string     `json:"bot_container_id,omitempty"`
	StartTime             *time.Time `json:"start_time,omitempty"`
	EndTime               *time.Time `json:"end_time,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// NewMeetingResponse renders a meeting row.
func NewMeetingResponse(m *models.Meeting) MeetingResponse {
	return MeetingResponse{
		ID:                    m.ID,
		UserID:                m.UserID,
		Platform:              string(m.Platform),
		NativeMeetingID:       m.NativeMeetingID,
		ConstructedMeetingURL: m.ConstructedMeetingURL(),
		Status:                string(m.Status),
		BotContainerID:        m.BotContainerID,
		StartTime:             m.StartTime,
		EndTime:               m.EndTime,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

// MeetingListResponse wraps a user's meetings.
type MeetingListResponse struct {
	Meetings []MeetingResponse `json:"meetings"`
}

// TranscriptResponse combines meeting metadata with the assembled,
// absolutely-ordered segment list.
type TranscriptResponse struct {
	MeetingResponse
	Segments []transcripts.Segment `json:"segments"`
}

// NewTranscriptResponse renders an assembled transcript.
func NewTranscriptResponse(t *transcripts.Transcript) TranscriptResponse {
	segments := t.Segments
	if segments == nil {
		segments = []transcripts.Segment{}
	}
	return TranscriptResponse{
		MeetingResponse: NewMeetingResponse(t.Meeting),
		Segments:        segments,
	}
}

// BotStatusResponse wraps the user's running bots.
type BotStatusResponse struct {
	RunningBots []lifecycle.BotStatusEntry `json:"running_bots"`
}

// UserResponse is the external rendering of a user row.
type UserResponse struct {
	ID                int             `json:"id"`
	Email             string          `json:"email"`
	Name              string          `json:"name,omitempty"`
	ImageURL          string          `json:"image_url,omitempty"`
	MaxConcurrentBots int             `json:"max_concurrent_bots"`
	Data              models.UserData `json:"data,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// NewUserResponse renders a user row.
func NewUserResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:                u.ID,
		Email:             u.Email,
		Name:              u.Name,
		ImageURL:          u.ImageURL,
		MaxConcurrentBots: u.MaxConcurrentBots,
		Data:              u.Data,
		CreatedAt:         u.CreatedAt,
	}
}

// TokenResponse is the external rendering of an API token.
type TokenResponse struct {
	ID        int       `json:"id"`
	Token     string    `json:"token"`
	UserID    int       `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTokenResponse renders a token row.
func NewTokenResponse(t *models.APIToken) TokenResponse {
	return TokenResponse{ID: t.ID, Token: t.Token, UserID: t.UserID, CreatedAt: t.CreatedAt}
}

// UserDetailResponse is a user with their issued tokens.
type UserDetailResponse struct {
	UserResponse
	Tokens []TokenResponse `json:"tokens"`
}

// MeetingUserStat pairs a meeting with its owner for admin stats.
type MeetingUserStat struct {
	MeetingResponse
	User UserResponse `json:"user"`
}

// PaginatedMeetingUserStatResponse is a page of meeting/user stats.
type PaginatedMeetingUserStatResponse struct {
	Total int               `json:"total"`
	Items []MeetingUserStat `json:"items"`
}

// HealthResponse reports dependency health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Redis     string    `json:"redis"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}
