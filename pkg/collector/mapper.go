package collector

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/valentinvl1/vexa/pkg/bus"
)

// Speaker mapping statuses recorded alongside buffered segments.
const (
	MappingStatusUnknown         = "UNKNOWN"
	MappingStatusMapped          = "MAPPED"
	MappingStatusMultiple        = "MULTIPLE"
	MappingStatusNoSpeakerEvents = "NO_SPEAKER_EVENTS"
	MappingStatusError           = "ERROR"
)

type parsedSpeakerEvent struct {
	timestampMS float64
	eventType   string
	name        string
	participant string
}

// MapSpeaker attributes a segment interval (milliseconds, session-relative)
// to a speaker using the session's speaker events. When several speakers
// overlap the segment, the one with the longest overlap wins and the
// status reports MULTIPLE.
func MapSpeaker(events []bus.ScoredMember, segmentStartMS, segmentEndMS float64) (string, string) {
	if len(events) == 0 {
		return "", MappingStatusNoSpeakerEvents
	}

	parsed := make([]parsedSpeakerEvent, 0, len(events))
	for _, e := range events {
		var ev speakerEvent
		if err := json.Unmarshal([]byte(e.Member), &ev); err != nil {
			slog.Warn("Failed to parse speaker event", "error", err)
			continue
		}
		id := ev.ParticipantID
		if id == "" {
			id = ev.ParticipantName
		}
		if id == "" {
			continue
		}
		parsed = append(parsed, parsedSpeakerEvent{
			timestampMS: e.Score,
			eventType:   ev.EventType,
			name:        ev.ParticipantName,
			participant: id,
		})
	}
	if len(parsed) == 0 {
		return "", MappingStatusError
	}

	// A participant is a candidate if a START precedes the segment's end
	// and no END for them lands before the segment starts.
	candidates := make(map[string]parsedSpeakerEvent)
	for _, ev := range parsed {
		switch ev.eventType {
		case speakerEventStart:
			if ev.timestampMS <= segmentEndMS {
				candidates[ev.participant] = ev
			}
		case speakerEventEnd:
			if start, ok := candidates[ev.participant]; ok &&
				ev.timestampMS >= start.timestampMS && ev.timestampMS < segmentStartMS {
				delete(candidates, ev.participant)
			}
		}
	}

	type activeSpeaker struct {
		name    string
		overlap float64
	}
	var active []activeSpeaker
	for participant, start := range candidates {
		endMS := segmentEndMS
		for _, ev := range parsed {
			if ev.participant == participant && ev.eventType == speakerEventEnd &&
				ev.timestampMS >= start.timestampMS {
				endMS = ev.timestampMS
				break
			}
		}
		overlapStart := max(start.timestampMS, segmentStartMS)
		overlapEnd := min(endMS, segmentEndMS)
		if overlapStart < overlapEnd {
			active = append(active, activeSpeaker{name: start.name, overlap: overlapEnd - overlapStart})
		}
	}

	switch len(active) {
	case 0:
		return "", MappingStatusUnknown
	case 1:
		return active[0].name, MappingStatusMapped
	default:
		sort.Slice(active, func(i, j int) bool { return active[i].overlap > active[j].overlap })
		return active[0].name, MappingStatusMultiple
	}
}
