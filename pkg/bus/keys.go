package bus

import (
	"fmt"
	"strconv"
)

// Well-known bus keys and channels.
const (
	// TranscriptionStream carries transcript batches and session events.
	TranscriptionStream = "transcription_segments"

	// SpeakerEventStream carries speaker start/end events keyed to
	// session-relative milliseconds.
	SpeakerEventStream = "speaker_events_relative"

	// ActiveMeetingsKey is the set of meeting ids with unpromoted segments.
	ActiveMeetingsKey = "active_meetings"
)

// MeetingSegmentsKey is the hash of mutable segments for a meeting, keyed
// by relative start time formatted to millisecond precision.
func MeetingSegmentsKey(meetingID int) string {
	return fmt.Sprintf("meeting:%d:segments", meetingID)
}

// SpeakerEventsKey is the sorted set of speaker events for a session.
func SpeakerEventsKey(sessionUID string) string {
	return "speaker_events:" + sessionUID
}

// BotCommandChannel is the pub/sub channel a bot session listens on for
// outbound control commands.
func BotCommandChannel(sessionUID string) string {
	return "bot_commands:" + sessionUID
}

// SegmentField formats a relative start time as a segment hash field.
func SegmentField(start float64) string {
	return strconv.FormatFloat(start, 'f', 3, 64)
}
