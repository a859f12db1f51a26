// Package transcripts assembles full meeting transcripts on read by
// merging persisted segments with the in-flight buffered ones and
// reconstructing absolute timestamps across session reconnects.
package transcripts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/collector"
	"github.com/valentinvl1/vexa/pkg/models"
)

// MeetingFinder locates the newest meeting for a tuple.
type MeetingFinder interface {
	FindLatest(ctx context.Context, userID int, platform models.Platform, nativeMeetingID string, statuses ...models.MeetingStatus) (*models.Meeting, error)
}

// SessionLister returns a meeting's sessions.
type SessionLister interface {
	ListForMeeting(ctx context.Context, meetingID int) ([]*models.MeetingSession, error)
}

// SegmentLister returns a meeting's persisted segments.
type SegmentLister interface {
	ListByMeeting(ctx context.Context, meetingID int) ([]*models.Transcription, error)
}

// Segment is one assembled transcript segment with both the relative
// session timeline and the reconstructed absolute one.
type Segment struct {
	StartTime         float64    `json:"start_time"`
	EndTime           float64    `json:"end_time"`
	Text              string     `json:"text"`
	Language          string     `json:"language,omitempty"`
	Speaker           string     `json:"speaker,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	AbsoluteStartTime time.Time  `json:"absolute_start_time"`
	AbsoluteEndTime   time.Time  `json:"absolute_end_time"`
}

// Transcript is the assembled read model: meeting metadata plus ordered
// segments.
type Transcript struct {
	Meeting  *models.Meeting
	Segments []Segment
}

// Assembler merges the two segment sources on demand.
type Assembler struct {
	bus      bus.Bus
	meetings MeetingFinder
	sessions SessionLister
	segments SegmentLister
	log      *slog.Logger
}

// NewAssembler wires a transcript assembler.
func NewAssembler(b bus.Bus, meetings MeetingFinder, sessions SessionLister, segments SegmentLister) *Assembler {
	return &Assembler{
		bus:      b,
		meetings: meetings,
		sessions: sessions,
		segments: segments,
		log:      slog.With("component", "assembler"),
	}
}

// Assemble builds the transcript for the user's newest meeting matching
// (platform, native id). Buffered segments take precedence over persisted
// ones sharing a relative start key: they carry the most recent revision.
// Segments whose session anchor cannot be resolved are dropped.
func (a *Assembler) Assemble(ctx context.Context, userID int, platform models.Platform, nativeMeetingID string) (*Transcript, error) {
	meeting, err := a.meetings.FindLatest(ctx, userID, platform, nativeMeetingID)
	if err != nil {
		return nil, err
	}
	log := a.log.With("meeting_id", meeting.ID)

	sessions, err := a.sessions.ListForMeeting(ctx, meeting.ID)
	if err != nil {
		return nil, err
	}
	sessionStarts := make(map[string]time.Time, len(sessions))
	for _, s := range sessions {
		sessionStarts[s.SessionUID] = s.SessionStartTime
	}
	if len(sessionStarts) == 0 {
		log.Warn("Meeting has no recorded sessions; segments cannot be anchored")
	}

	persisted, err := a.segments.ListByMeeting(ctx, meeting.ID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]Segment)

	for _, seg := range persisted {
		anchor, ok := a.resolveAnchor(sessionStarts, seg.SessionUID)
		if !ok {
			log.Warn("Dropping persisted segment without session anchor",
				"session_uid", seg.SessionUID, "start_time", seg.StartTime)
			continue
		}
		createdAt := seg.CreatedAt
		merged[bus.SegmentField(seg.StartTime)] = Segment{
			StartTime:         seg.StartTime,
			EndTime:           seg.EndTime,
			Text:              seg.Text,
			Language:          seg.Language,
			Speaker:           seg.Speaker,
			CreatedAt:         &createdAt,
			AbsoluteStartTime: anchor.Add(durationSec(seg.StartTime)),
			AbsoluteEndTime:   anchor.Add(durationSec(seg.EndTime)),
		}
	}

	// Buffered segments are fetched best-effort: a bus outage degrades the
	// read to persisted content instead of failing it.
	buffered, err := a.bus.HGetAll(ctx, bus.MeetingSegmentsKey(meeting.ID))
	if err != nil {
		log.Error("Failed to fetch buffered segments, serving persisted only", "error", err)
		buffered = nil
	}

	for field, encoded := range buffered {
		startTime, err := strconv.ParseFloat(field, 64)
		if err != nil {
			log.Warn("Ignoring buffered segment with invalid field", "field", field)
			continue
		}
		var seg collector.BufferedSegment
		if err := json.Unmarshal([]byte(encoded), &seg); err != nil {
			log.Warn("Ignoring unparseable buffered segment", "field", field, "error", err)
			continue
		}
		if seg.SessionUID == "" {
			log.Warn("Dropping buffered segment without session uid", "field", field)
			continue
		}
		anchor, ok := a.resolveAnchor(sessionStarts, seg.SessionUID)
		if !ok {
			log.Warn("Dropping buffered segment without session anchor",
				"session_uid", seg.SessionUID, "field", field)
			continue
		}
		merged[field] = Segment{
			StartTime:         startTime,
			EndTime:           seg.EndTime,
			Text:              seg.Text,
			Language:          seg.Language,
			Speaker:           seg.Speaker,
			AbsoluteStartTime: anchor.Add(durationSec(startTime)),
			AbsoluteEndTime:   anchor.Add(durationSec(seg.EndTime)),
		}
	}

	segments := make([]Segment, 0, len(merged))
	for _, seg := range merged {
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool {
		if !segments[i].AbsoluteStartTime.Equal(segments[j].AbsoluteStartTime) {
			return segments[i].AbsoluteStartTime.Before(segments[j].AbsoluteStartTime)
		}
		return segments[i].StartTime < segments[j].StartTime
	})

	return &Transcript{Meeting: meeting, Segments: segments}, nil
}

// resolveAnchor maps a segment's session uid to its absolute start time.
// Stream-side uids may arrive platform-prefixed; the bare form is tried
// after the verbatim one.
func (a *Assembler) resolveAnchor(sessionStarts map[string]time.Time, sessionUID string) (time.Time, bool) {
	if sessionUID == "" {
		return time.Time{}, false
	}
	if anchor, ok := sessionStarts[sessionUID]; ok {
		return anchor, true
	}
	if stripped := models.StripSessionUIDPrefix(sessionUID); stripped != sessionUID {
		if anchor, ok := sessionStarts[stripped]; ok {
			return anchor, true
		}
	}
	return time.Time{}, false
}

func durationSec(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
