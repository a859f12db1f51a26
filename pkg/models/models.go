// Package models defines the core data model shared across services:
// users, API tokens, meetings, meeting sessions, and transcript segments.
package models

import "time"

// MeetingStatus is the lifecycle state of a meeting's bot.
type MeetingStatus string

// Meeting lifecycle states.
const (
	StatusRequested MeetingStatus = "requested"
	StatusActive    MeetingStatus = "active"
	StatusStopping  MeetingStatus = "stopping"
	StatusCompleted MeetingStatus = "completed"
	StatusFailed    MeetingStatus = "failed"
	StatusError     MeetingStatus = "error"
)

// IsTerminal reports whether the status permits no further transitions.
func (s MeetingStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether the meeting state machine allows moving
// from s to next. Terminal states are absorbing.
func (s MeetingStatus) CanTransition(next MeetingStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusRequested:
		return next == StatusActive || next == StatusFailed || next == StatusError
	case StatusActive:
		return next == StatusStopping || next == StatusCompleted ||
			next == StatusFailed || next == StatusError
	case StatusStopping:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// UserData is the open-schema payload on a user row. Known keys are read
// through accessors; everything else is passed through untouched.
type UserData map[string]any

// WebhookURL returns the configured webhook URL, or "" when unset.
func (d UserData) WebhookURL() string {
	if d == nil {
		return ""
	}
	if url, ok := d["webhook_url"].(string); ok {
		return url
	}
	return ""
}

// User is a tenant account. MaxConcurrentBots bounds the number of
// simultaneously running bot containers labeled with the user's id.
type User struct {
	ID                int       `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name,omitempty"`
	ImageURL          string    `json:"image_url,omitempty"`
	MaxConcurrentBots int       `json:"max_concurrent_bots"`
	Data              UserData  `json:"data,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// APIToken authorizes requests by opaque-string equality.
type APIToken struct {
	ID        int       `json:"id"`
	Token     string    `json:"token"`
	UserID    int       `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Meeting is one bot engagement with an external meeting. A user may hold
// many historical rows for the same (platform, native id); the newest row
// is authoritative.
type Meeting struct {
	ID              int            `json:"id"`
	UserID          int            `json:"user_id"`
	Platform        Platform       `json:"platform"`
	NativeMeetingID string         `json:"native_meeting_id"`
	Status          MeetingStatus  `json:"status"`
	BotContainerID  string         `json:"bot_container_id,omitempty"`
	StartTime       *time.Time     `json:"start_time,omitempty"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ConstructedMeetingURL derives the join URL from platform and native id,
// or "" when the platform does not permit construction.
func (m *Meeting) ConstructedMeetingURL() string {
	return ConstructMeetingURL(m.Platform, m.NativeMeetingID)
}

// MeetingSession is one bot connection to a meeting. SessionStartTime is
// the authoritative absolute anchor for the session's relative segment
// times; it is first recorded as a placeholder at launch and overwritten
// by the bot's session_start event.
type MeetingSession struct {
	ID               int       `json:"id"`
	MeetingID        int       `json:"meeting_id"`
	SessionUID       string    `json:"session_uid"`
	SessionStartTime time.Time `json:"session_start_time"`
	CreatedAt        time.Time `json:"created_at"`
}

// Transcription is a finalized transcript segment. Rows are append-only
// and immutable; start/end are seconds relative to the owning session's
// start time.
type Transcription struct {
	ID         int       `json:"id"`
	MeetingID  int       `json:"meeting_id"`
	SessionUID string    `json:"session_uid"`
	StartTime  float64   `json:"start_time"`
	EndTime    float64   `json:"end_time"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Speaker    string    `json:"speaker,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
