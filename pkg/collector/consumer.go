package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/config"
	"github.com/valentinvl1/vexa/pkg/metrics"
	"github.com/valentinvl1/vexa/pkg/models"
	"github.com/valentinvl1/vexa/pkg/services"
)

// UserResolver resolves stream tokens to users.
type UserResolver interface {
	GetByToken(ctx context.Context, token string) (*models.User, error)
}

// MeetingFinder locates the newest meeting for a tuple.
type MeetingFinder interface {
	FindLatest(ctx context.Context, userID int, platform models.Platform, nativeMeetingID string, statuses ...models.MeetingStatus) (*models.Meeting, error)
}

// SessionUpserter records authoritative session start times.
type SessionUpserter interface {
	UpsertStartTime(ctx context.Context, meetingID int, sessionUID string, startTime time.Time) (*models.MeetingSession, error)
}

// Consumer is the consumer-group reader of the transcription stream. It
// routes session events to the session table and transcript batches into
// the per-meeting segment hash.
type Consumer struct {
	bus      bus.Bus
	users    UserResolver
	meetings MeetingFinder
	sessions SessionUpserter

	cfg        config.ConsumerConfig
	segmentTTL time.Duration

	log *slog.Logger
	now func() time.Time
}

// NewConsumer wires a transcription-stream consumer.
func NewConsumer(b bus.Bus, users UserResolver, meetings MeetingFinder, sessions SessionUpserter, cfg config.ConsumerConfig, promoter config.PromoterConfig) *Consumer {
	return &Consumer{
		bus:        b,
		users:      users,
		meetings:   meetings,
		sessions:   sessions,
		cfg:        cfg,
		segmentTTL: promoter.SegmentTTL,
		log:        slog.With("component", "stream_consumer", "stream", bus.TranscriptionStream),
		now:        time.Now,
	}
}

// SetNow overrides the clock in tests.
func (c *Consumer) SetNow(now func() time.Time) { c.now = now }

// Run reclaims stale pending entries, then consumes new entries until the
// context is cancelled. Bus failures back off and retry; the loop never
// propagates an error upward.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bus.EnsureGroup(ctx, bus.TranscriptionStream, c.cfg.Group); err != nil {
		return err
	}
	c.reclaimStale(ctx)

	c.log.Info("Consumer loop started", "group", c.cfg.Group, "consumer", c.cfg.Name)
	for {
		if ctx.Err() != nil {
			c.log.Info("Consumer loop stopped")
			return nil
		}
		messages, err := c.bus.ReadGroup(ctx, bus.TranscriptionStream, c.cfg.Group, c.cfg.Name, c.cfg.ReadCount, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Consumer loop stopped")
				return nil
			}
			c.log.Error("Stream read failed, backing off", "error", err)
			sleepCtx(ctx, 5*time.Second)
			continue
		}
		c.processBatch(ctx, messages)
	}
}

// reclaimStale absorbs pending entries abandoned by crashed peers: any
// entry idle past the threshold is claimed to this consumer and processed.
func (c *Consumer) reclaimStale(ctx context.Context) {
	pending, err := c.bus.Pending(ctx, bus.TranscriptionStream, c.cfg.Group, 100)
	if err != nil {
		c.log.Error("Failed to inspect pending entries", "error", err)
		return
	}

	var staleIDs []string
	for _, p := range pending {
		if p.Idle > c.cfg.PendingTimeout {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		c.log.Info("No stale pending entries to reclaim")
		return
	}

	claimed, err := c.bus.Claim(ctx, bus.TranscriptionStream, c.cfg.Group, c.cfg.Name, c.cfg.PendingTimeout, staleIDs)
	if err != nil {
		c.log.Error("Failed to claim stale entries", "error", err)
		return
	}
	c.log.Info("Claimed stale pending entries", "count", len(claimed))
	c.processBatch(ctx, claimed)
}

// processBatch handles each message in stream order and acknowledges the
// ones whose processing is complete.
func (c *Consumer) processBatch(ctx context.Context, messages []bus.StreamMessage) {
	var ackIDs []string
	for _, msg := range messages {
		metrics.StreamMessagesConsumed.WithLabelValues(bus.TranscriptionStream).Inc()
		if c.processMessage(ctx, msg) {
			ackIDs = append(ackIDs, msg.ID)
		}
	}
	if len(ackIDs) == 0 {
		return
	}
	if err := c.bus.Ack(ctx, bus.TranscriptionStream, c.cfg.Group, ackIDs...); err != nil {
		// Unacked entries stay pending and are reclaimed later.
		c.log.Error("Failed to acknowledge entries", "count", len(ackIDs), "error", err)
		return
	}
	metrics.StreamMessagesAcked.WithLabelValues(bus.TranscriptionStream).Add(float64(len(ackIDs)))
}

// processMessage handles one stream entry. The returned bool is the ack
// decision: true for success and for unrecoverable data errors (retrying
// those would loop forever), false for transient bus/store failures.
func (c *Consumer) processMessage(ctx context.Context, msg bus.StreamMessage) bool {
	log := c.log.With("message_id", msg.ID)

	raw, ok := msg.Values[payloadField]
	if !ok {
		log.Warn("Entry missing payload field, dropping")
		metrics.StreamMessagesDropped.WithLabelValues(bus.TranscriptionStream).Inc()
		return true
	}

	var payload streamPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		log.Warn("Malformed payload JSON, dropping", "error", err)
		metrics.StreamMessagesDropped.WithLabelValues(bus.TranscriptionStream).Inc()
		return true
	}
	if payload.Type == "" {
		payload.Type = messageTypeTranscription
	}
	if payload.Token == "" || payload.Platform == "" || payload.NativeMeetingID == "" {
		log.Warn("Payload missing required fields, dropping", "type", payload.Type)
		metrics.StreamMessagesDropped.WithLabelValues(bus.TranscriptionStream).Inc()
		return true
	}

	platform, err := models.ParsePlatform(payload.Platform)
	if err != nil {
		log.Warn("Unknown platform in payload, dropping", "platform", payload.Platform)
		metrics.StreamMessagesDropped.WithLabelValues(bus.TranscriptionStream).Inc()
		return true
	}

	user, err := c.users.GetByToken(ctx, payload.Token)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			log.Warn("Unknown API token in payload, dropping")
			metrics.StreamMessagesDropped.WithLabelValues(bus.TranscriptionStream).Inc()
			return true
		}
		log.Error("User lookup failed", "error", err)
		return false
	}

	meeting, err := c.meetings.FindLatest(ctx, user.ID, platform, payload.NativeMeetingID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			log.Warn("No meeting for payload, dropping",
				"user_id", user.ID, "platform", platform, "native_meeting_id", payload.NativeMeetingID)
			metrics.StreamMessagesDropped.WithLabelValues(bus.TranscriptionStream).Inc()
			return true
		}
		log.Error("Meeting lookup failed", "error", err)
		return false
	}

	switch payload.Type {
	case messageTypeSessionStart:
		return c.handleSessionStart(ctx, log, payload, meeting)
	case messageTypeSessionEnd:
		return c.handleSessionEnd(ctx, log, payload)
	case messageTypeTranscription:
		return c.handleTranscription(ctx, log, payload, meeting)
	default:
		log.Warn("Unknown message type, dropping", "type", payload.Type)
		metrics.StreamMessagesDropped.WithLabelValues(bus.TranscriptionStream).Inc()
		return true
	}
}

// handleSessionStart upserts the authoritative session start time. This
// timestamp is the absolute anchor all of the session's relative segment
// times resolve against.
func (c *Consumer) handleSessionStart(ctx context.Context, log *slog.Logger, payload streamPayload, meeting *models.Meeting) bool {
	if payload.UID == "" || payload.StartTimestamp == "" {
		log.Warn("session_start missing uid or start_timestamp, dropping")
		return true
	}
	startTime, err := time.Parse(time.RFC3339, payload.StartTimestamp)
	if err != nil {
		log.Warn("Invalid session start_timestamp, dropping", "value", payload.StartTimestamp, "error", err)
		return true
	}

	if _, err := c.sessions.UpsertStartTime(ctx, meeting.ID, payload.UID, startTime.UTC()); err != nil {
		log.Error("Failed to upsert session start time", "session_uid", payload.UID, "error", err)
		return false
	}
	log.Info("Recorded session start", "meeting_id", meeting.ID, "session_uid", payload.UID, "start_time", startTime.UTC())
	return true
}

// handleSessionEnd drops the session's speaker-event set.
func (c *Consumer) handleSessionEnd(ctx context.Context, log *slog.Logger, payload streamPayload) bool {
	if payload.UID == "" {
		log.Warn("session_end missing uid, dropping")
		return true
	}
	if err := c.bus.Del(ctx, bus.SpeakerEventsKey(payload.UID)); err != nil {
		log.Error("Failed to delete speaker events on session_end", "session_uid", payload.UID, "error", err)
		return false
	}
	log.Info("Processed session_end", "session_uid", payload.UID)
	return true
}

// handleTranscription stores the batch's valid segments into the meeting's
// mutable hash, marks the meeting active, and refreshes the hash TTL.
func (c *Consumer) handleTranscription(ctx context.Context, log *slog.Logger, payload streamPayload, meeting *models.Meeting) bool {
	if payload.UID == "" {
		log.Warn("Transcription batch missing uid; segments will carry no speaker attribution", "meeting_id", meeting.ID)
	}

	fields := make(map[string]string)
	for i, seg := range payload.Segments {
		if seg.Start == nil || seg.End == nil {
			log.Warn("Skipping segment without start/end", "meeting_id", meeting.ID, "index", i)
			continue
		}

		speaker, mappingStatus := c.mapSegmentSpeaker(ctx, log, payload.UID, *seg.Start, *seg.End)
		buffered := BufferedSegment{
			Text:                 seg.Text,
			EndTime:              *seg.End,
			Language:             seg.Language,
			UpdatedAt:            c.now().UTC().Format(time.RFC3339Nano),
			SessionUID:           payload.UID,
			Speaker:              speaker,
			SpeakerMappingStatus: mappingStatus,
		}
		encoded, err := json.Marshal(buffered)
		if err != nil {
			log.Error("Failed to encode buffered segment", "error", err)
			continue
		}
		fields[bus.SegmentField(*seg.Start)] = string(encoded)
	}

	if len(fields) == 0 {
		log.Info("No valid segments in batch", "meeting_id", meeting.ID)
		return true
	}

	hashKey := bus.MeetingSegmentsKey(meeting.ID)
	if err := c.bus.SAdd(ctx, bus.ActiveMeetingsKey, strconv.Itoa(meeting.ID)); err != nil {
		log.Error("Failed to mark meeting active", "meeting_id", meeting.ID, "error", err)
		return false
	}
	if err := c.bus.HSet(ctx, hashKey, fields); err != nil {
		log.Error("Failed to store segments", "meeting_id", meeting.ID, "error", err)
		return false
	}
	if err := c.bus.Expire(ctx, hashKey, c.segmentTTL); err != nil {
		log.Error("Failed to refresh segment hash TTL", "meeting_id", meeting.ID, "error", err)
		return false
	}

	log.Info("Buffered segments", "meeting_id", meeting.ID, "count", len(fields))
	return true
}

// mapSegmentSpeaker performs best-effort speaker attribution; bus failures
// degrade to status ERROR rather than failing the message.
func (c *Consumer) mapSegmentSpeaker(ctx context.Context, log *slog.Logger, sessionUID string, startSec, endSec float64) (string, string) {
	if sessionUID == "" {
		return "", MappingStatusUnknown
	}
	events, err := c.bus.ZRangeByScore(ctx, bus.SpeakerEventsKey(sessionUID), 0, endSec*1000)
	if err != nil {
		log.Warn("Speaker event lookup failed", "session_uid", sessionUID, "error", err)
		return "", MappingStatusError
	}
	return MapSpeaker(events, startSec*1000, endSec*1000)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
