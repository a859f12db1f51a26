package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	t.Run("accepts supported platforms", func(t *testing.T) {
		for _, name := range []string{"google_meet", "zoom", "teams"} {
			p, err := ParsePlatform(name)
			require.NoError(t, err)
			assert.Equal(t, name, string(p))
		}
	})

	t.Run("rejects unknown platform", func(t *testing.T) {
		_, err := ParsePlatform("webex")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "google_meet")
	})
}

func TestConstructMeetingURL(t *testing.T) {
	tests := []struct {
		name     string
		platform Platform
		nativeID string
		want     string
	}{
		{"google meet valid", PlatformGoogleMeet, "abc-defg-hij", "https://meet.google.com/abc-defg-hij"},
		{"google meet uppercase rejected", PlatformGoogleMeet, "ABC-DEFG-HIJ", ""},
		{"google meet wrong shape", PlatformGoogleMeet, "abcd-efg-hij", ""},
		{"zoom numeric", PlatformZoom, "1234567890", "https://zoom.us/j/1234567890"},
		{"zoom with password", PlatformZoom, "1234567890?pwd=xyz", "https://zoom.us/j/1234567890?pwd=xyz"},
		{"zoom too short", PlatformZoom, "12345678", ""},
		{"zoom non-numeric", PlatformZoom, "abc-defg-hij", ""},
		{"teams not constructible", PlatformTeams, "19:meeting_abcdef", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConstructMeetingURL(tt.platform, tt.nativeID))
		})
	}
}

func TestStripSessionUIDPrefix(t *testing.T) {
	assert.Equal(t, "abc-123", StripSessionUIDPrefix("google_meet_abc-123"))
	assert.Equal(t, "abc-123", StripSessionUIDPrefix("zoom_abc-123"))
	assert.Equal(t, "abc-123", StripSessionUIDPrefix("teams_abc-123"))
	assert.Equal(t, "abc-123", StripSessionUIDPrefix("abc-123"))
	// Only one prefix is stripped.
	assert.Equal(t, "zoom_abc", StripSessionUIDPrefix("google_meet_zoom_abc"))
}

func TestMeetingStatusTransitions(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		assert.True(t, StatusRequested.CanTransition(StatusActive))
		assert.True(t, StatusActive.CanTransition(StatusStopping))
		assert.True(t, StatusStopping.CanTransition(StatusCompleted))
	})

	t.Run("failure paths", func(t *testing.T) {
		assert.True(t, StatusRequested.CanTransition(StatusError))
		assert.True(t, StatusActive.CanTransition(StatusError))
		assert.True(t, StatusActive.CanTransition(StatusFailed))
		assert.True(t, StatusStopping.CanTransition(StatusFailed))
	})

	t.Run("terminal states absorb", func(t *testing.T) {
		for _, s := range []MeetingStatus{StatusCompleted, StatusFailed, StatusError} {
			assert.True(t, s.IsTerminal())
			for _, next := range []MeetingStatus{StatusRequested, StatusActive, StatusStopping, StatusCompleted, StatusFailed, StatusError} {
				assert.False(t, s.CanTransition(next), "%s -> %s", s, next)
			}
		}
	})

	t.Run("no skipping requested", func(t *testing.T) {
		assert.False(t, StatusRequested.CanTransition(StatusStopping))
		assert.False(t, StatusRequested.CanTransition(StatusCompleted))
		assert.False(t, StatusStopping.CanTransition(StatusActive))
	})
}

func TestUserDataWebhookURL(t *testing.T) {
	assert.Equal(t, "", UserData(nil).WebhookURL())
	assert.Equal(t, "", UserData{}.WebhookURL())
	assert.Equal(t, "", UserData{"webhook_url": 42}.WebhookURL())
	assert.Equal(t, "https://example.com/hook", UserData{"webhook_url": "https://example.com/hook"}.WebhookURL())
}
