package collector

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream message types carried on the transcription stream.
const (
	messageTypeTranscription = "transcription"
	messageTypeSessionStart  = "session_start"
	messageTypeSessionEnd    = "session_end"
)

// payloadField is the stream-entry field wrapping the JSON payload.
const payloadField = "payload"

// streamPayload is the envelope shared by every transcription-stream
// message. Segments is only present for type "transcription",
// StartTimestamp only for "session_start".
type streamPayload struct {
	Type            string          `json:"type"`
	Token           string          `json:"token"`
	Platform        string          `json:"platform"`
	NativeMeetingID string          `json:"meeting_id"`
	UID             string          `json:"uid"`
	StartTimestamp  string          `json:"start_timestamp,omitempty"`
	Segments        []streamSegment `json:"segments,omitempty"`
}

// streamSegment is one raw segment inside a transcription batch.
type streamSegment struct {
	Start    *float64 `json:"start"`
	End      *float64 `json:"end"`
	Text     string   `json:"text"`
	Language string   `json:"language,omitempty"`
}

// speakerEvent is one entry on the speaker-event stream.
type speakerEvent struct {
	UID                       string          `json:"uid"`
	RelativeClientTimestampMS json.RawMessage `json:"relative_client_timestamp_ms"`
	EventType                 string          `json:"event_type"`
	ParticipantName           string          `json:"participant_name"`
	ParticipantID             string          `json:"participant_id,omitempty"`
}

// Speaker event types.
const (
	speakerEventStart = "SPEAKER_START"
	speakerEventEnd   = "SPEAKER_END"
)

// BufferedSegment is the mutable form of a segment held in the per-meeting
// bus hash while the recognizer may still revise it.
type BufferedSegment struct {
	Text                 string  `json:"text"`
	EndTime              float64 `json:"end_time"`
	Language             string  `json:"language,omitempty"`
	UpdatedAt            string  `json:"updated_at"`
	SessionUID           string  `json:"session_uid"`
	Speaker              string  `json:"speaker,omitempty"`
	SpeakerMappingStatus string  `json:"speaker_mapping_status,omitempty"`
}

// UpdatedAtTime parses the segment's revision timestamp.
func (s BufferedSegment) UpdatedAtTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s.UpdatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid updated_at %q: %w", s.UpdatedAt, err)
	}
	return t.UTC(), nil
}
