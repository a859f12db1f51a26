package transcripts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/collector"
	"github.com/valentinvl1/vexa/pkg/models"
	"github.com/valentinvl1/vexa/pkg/services"
)

type fakeMeetingFinder struct {
	meeting *models.Meeting
}

func (f *fakeMeetingFinder) FindLatest(_ context.Context, userID int, platform models.Platform, nativeMeetingID string, _ ...models.MeetingStatus) (*models.Meeting, error) {
	if f.meeting == nil || f.meeting.UserID != userID || f.meeting.Platform != platform || f.meeting.NativeMeetingID != nativeMeetingID {
		return nil, services.ErrNotFound
	}
	return f.meeting, nil
}

type fakeSessionLister struct {
	sessions []*models.MeetingSession
}

func (f *fakeSessionLister) ListForMeeting(context.Context, int) ([]*models.MeetingSession, error) {
	return f.sessions, nil
}

type fakeSegmentLister struct {
	segments []*models.Transcription
}

func (f *fakeSegmentLister) ListByMeeting(context.Context, int) ([]*models.Transcription, error) {
	return f.segments, nil
}

var (
	sessionOneStart = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	sessionTwoStart = time.Date(2025, 1, 1, 12, 10, 0, 0, time.UTC)
)

func newAssemblerFixture(t *testing.T) (*Assembler, *bus.MemoryBus, *fakeSegmentLister) {
	t.Helper()
	meeting := &models.Meeting{
		ID: 42, UserID: 7,
		Platform:        models.PlatformGoogleMeet,
		NativeMeetingID: "abc-defg-hij",
		Status:          models.StatusActive,
	}
	sessions := &fakeSessionLister{sessions: []*models.MeetingSession{
		{MeetingID: 42, SessionUID: "S1", SessionStartTime: sessionOneStart},
		{MeetingID: 42, SessionUID: "S2", SessionStartTime: sessionTwoStart},
	}}
	segments := &fakeSegmentLister{}
	b := bus.NewMemoryBus()
	return NewAssembler(b, &fakeMeetingFinder{meeting: meeting}, sessions, segments), b, segments
}

func bufferSegment(t *testing.T, b *bus.MemoryBus, meetingID int, start float64, seg collector.BufferedSegment) {
	t.Helper()
	encoded, err := json.Marshal(seg)
	require.NoError(t, err)
	require.NoError(t, b.HSet(context.Background(), bus.MeetingSegmentsKey(meetingID), map[string]string{
		bus.SegmentField(start): string(encoded),
	}))
}

func TestAssembleMeetingNotFound(t *testing.T) {
	a, _, _ := newAssemblerFixture(t)
	_, err := a.Assemble(context.Background(), 7, models.PlatformZoom, "1234567890")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestAssembleRoundTrip(t *testing.T) {
	a, b, segments := newAssemblerFixture(t)

	segments.segments = []*models.Transcription{
		{MeetingID: 42, SessionUID: "S1", StartTime: 0.0, EndTime: 1.5, Text: "hello world", Language: "en", CreatedAt: sessionOneStart.Add(time.Minute)},
	}
	bufferSegment(t, b, 42, 2.0, collector.BufferedSegment{
		Text: "still buffered", EndTime: 3.0, SessionUID: "S1",
		UpdatedAt: sessionOneStart.Add(2 * time.Minute).Format(time.RFC3339Nano),
	})

	out, err := a.Assemble(context.Background(), 7, models.PlatformGoogleMeet, "abc-defg-hij")
	require.NoError(t, err)
	require.Len(t, out.Segments, 2)

	first := out.Segments[0]
	assert.Equal(t, "hello world", first.Text)
	assert.Equal(t, 0.0, first.StartTime)
	assert.Equal(t, sessionOneStart, first.AbsoluteStartTime)
	assert.Equal(t, sessionOneStart.Add(1500*time.Millisecond), first.AbsoluteEndTime)
	require.NotNil(t, first.CreatedAt)

	second := out.Segments[1]
	assert.Equal(t, "still buffered", second.Text)
	assert.Equal(t, sessionOneStart.Add(2*time.Second), second.AbsoluteStartTime)
	assert.Nil(t, second.CreatedAt)
}

func TestAssembleBufferedTakesPrecedence(t *testing.T) {
	a, b, segments := newAssemblerFixture(t)

	segments.segments = []*models.Transcription{
		{MeetingID: 42, SessionUID: "S1", StartTime: 0.0, EndTime: 1.0, Text: "stale persisted text", CreatedAt: sessionOneStart},
	}
	bufferSegment(t, b, 42, 0.0, collector.BufferedSegment{
		Text: "freshest revision", EndTime: 1.2, SessionUID: "S1",
		UpdatedAt: sessionOneStart.Format(time.RFC3339Nano),
	})

	out, err := a.Assemble(context.Background(), 7, models.PlatformGoogleMeet, "abc-defg-hij")
	require.NoError(t, err)
	require.Len(t, out.Segments, 1)
	assert.Equal(t, "freshest revision", out.Segments[0].Text)
	assert.Equal(t, 1.2, out.Segments[0].EndTime)
}

func TestAssembleOrdersByAbsoluteTimeAcrossSessions(t *testing.T) {
	a, _, segments := newAssemblerFixture(t)

	// The second session's segment has a smaller relative start but a
	// later absolute position; order must follow absolute time.
	segments.segments = []*models.Transcription{
		{MeetingID: 42, SessionUID: "S2", StartTime: 1.0, EndTime: 2.0, Text: "after reconnect", CreatedAt: sessionTwoStart},
		{MeetingID: 42, SessionUID: "S1", StartTime: 30.0, EndTime: 31.0, Text: "before reconnect", CreatedAt: sessionOneStart},
	}

	out, err := a.Assemble(context.Background(), 7, models.PlatformGoogleMeet, "abc-defg-hij")
	require.NoError(t, err)
	require.Len(t, out.Segments, 2)
	assert.Equal(t, "before reconnect", out.Segments[0].Text)
	assert.Equal(t, "after reconnect", out.Segments[1].Text)
	assert.Equal(t, sessionOneStart.Add(30*time.Second), out.Segments[0].AbsoluteStartTime)
	assert.Equal(t, sessionTwoStart.Add(time.Second), out.Segments[1].AbsoluteStartTime)
}

func TestAssembleStripsPlatformPrefixedSessionUID(t *testing.T) {
	a, b, _ := newAssemblerFixture(t)

	bufferSegment(t, b, 42, 5.0, collector.BufferedSegment{
		Text: "prefixed uid segment", EndTime: 6.0,
		SessionUID: "google_meet_S1",
		UpdatedAt:  sessionOneStart.Format(time.RFC3339Nano),
	})

	out, err := a.Assemble(context.Background(), 7, models.PlatformGoogleMeet, "abc-defg-hij")
	require.NoError(t, err)
	require.Len(t, out.Segments, 1)
	assert.Equal(t, sessionOneStart.Add(5*time.Second), out.Segments[0].AbsoluteStartTime)
}

func TestAssembleDropsSegmentsWithoutAnchor(t *testing.T) {
	a, b, segments := newAssemblerFixture(t)

	segments.segments = []*models.Transcription{
		{MeetingID: 42, SessionUID: "ghost", StartTime: 0.0, EndTime: 1.0, Text: "orphan persisted", CreatedAt: sessionOneStart},
	}
	bufferSegment(t, b, 42, 1.0, collector.BufferedSegment{
		Text: "orphan buffered", EndTime: 2.0, SessionUID: "unknown-session",
		UpdatedAt: sessionOneStart.Format(time.RFC3339Nano),
	})
	bufferSegment(t, b, 42, 2.0, collector.BufferedSegment{
		Text: "no uid at all", EndTime: 3.0,
		UpdatedAt: sessionOneStart.Format(time.RFC3339Nano),
	})

	out, err := a.Assemble(context.Background(), 7, models.PlatformGoogleMeet, "abc-defg-hij")
	require.NoError(t, err)
	assert.Empty(t, out.Segments)
}
