package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/config"
	"github.com/valentinvl1/vexa/pkg/metrics"
)

// SpeakerConsumer is the consumer-group reader of the speaker-event
// stream. Events land in a per-session sorted set scored by the
// session-relative millisecond timestamp; the transcription consumer reads
// them back for speaker attribution.
type SpeakerConsumer struct {
	bus        bus.Bus
	cfg        config.ConsumerConfig
	speakerTTL time.Duration
	log        *slog.Logger
}

// NewSpeakerConsumer wires a speaker-event stream consumer.
func NewSpeakerConsumer(b bus.Bus, cfg config.ConsumerConfig, promoter config.PromoterConfig) *SpeakerConsumer {
	return &SpeakerConsumer{
		bus:        b,
		cfg:        cfg,
		speakerTTL: promoter.SpeakerEventTTL,
		log:        slog.With("component", "speaker_consumer", "stream", bus.SpeakerEventStream),
	}
}

// Run reclaims stale pending entries, then consumes new entries until the
// context is cancelled.
func (c *SpeakerConsumer) Run(ctx context.Context) error {
	if err := c.bus.EnsureGroup(ctx, bus.SpeakerEventStream, c.cfg.SpeakerGroup); err != nil {
		return err
	}
	c.reclaimStale(ctx)

	c.log.Info("Speaker consumer loop started", "group", c.cfg.SpeakerGroup, "consumer", c.cfg.Name)
	for {
		if ctx.Err() != nil {
			c.log.Info("Speaker consumer loop stopped")
			return nil
		}
		messages, err := c.bus.ReadGroup(ctx, bus.SpeakerEventStream, c.cfg.SpeakerGroup, c.cfg.Name, c.cfg.ReadCount, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Speaker consumer loop stopped")
				return nil
			}
			c.log.Error("Stream read failed, backing off", "error", err)
			sleepCtx(ctx, 5*time.Second)
			continue
		}
		c.processBatch(ctx, messages)
	}
}

func (c *SpeakerConsumer) reclaimStale(ctx context.Context) {
	pending, err := c.bus.Pending(ctx, bus.SpeakerEventStream, c.cfg.SpeakerGroup, 100)
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
		return
	}
	claimed, err := c.bus.Claim(ctx, bus.SpeakerEventStream, c.cfg.SpeakerGroup, c.cfg.Name, c.cfg.PendingTimeout, staleIDs)
	if err != nil {
		c.log.Error("Failed to claim stale entries", "error", err)
		return
	}
	c.log.Info("Claimed stale pending entries", "count", len(claimed))
	c.processBatch(ctx, claimed)
}

func (c *SpeakerConsumer) processBatch(ctx context.Context, messages []bus.StreamMessage) {
	var ackIDs []string
	for _, msg := range messages {
		metrics.StreamMessagesConsumed.WithLabelValues(bus.SpeakerEventStream).Inc()
		if c.processEvent(ctx, msg) {
			ackIDs = append(ackIDs, msg.ID)
		}
	}
	if len(ackIDs) == 0 {
		return
	}
	if err := c.bus.Ack(ctx, bus.SpeakerEventStream, c.cfg.SpeakerGroup, ackIDs...); err != nil {
		c.log.Error("Failed to acknowledge entries", "count", len(ackIDs), "error", err)
		return
	}
	metrics.StreamMessagesAcked.WithLabelValues(bus.SpeakerEventStream).Add(float64(len(ackIDs)))
}

// processEvent stores one speaker event. The ack decision follows the
// shared policy: data errors ack-and-drop, bus errors stay pending.
func (c *SpeakerConsumer) processEvent(ctx context.Context, msg bus.StreamMessage) bool {
	log := c.log.With("message_id", msg.ID)

	raw, ok := msg.Values[payloadField]
	if !ok {
		// Some producers write the event fields directly on the entry.
		encoded, err := json.Marshal(msg.Values)
		if err != nil {
			log.Warn("Entry not representable as event, dropping", "error", err)
			metrics.StreamMessagesDropped.WithLabelValues(bus.SpeakerEventStream).Inc()
			return true
		}
		raw = string(encoded)
	}

	var event speakerEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		log.Warn("Malformed speaker event, dropping", "error", err)
		metrics.StreamMessagesDropped.WithLabelValues(bus.SpeakerEventStream).Inc()
		return true
	}
	if event.UID == "" || event.EventType == "" || event.ParticipantName == "" || len(event.RelativeClientTimestampMS) == 0 {
		log.Warn("Speaker event missing required fields, dropping")
		metrics.StreamMessagesDropped.WithLabelValues(bus.SpeakerEventStream).Inc()
		return true
	}

	timestampMS, err := parseTimestampMS(event.RelativeClientTimestampMS)
	if err != nil {
		log.Warn("Invalid relative_client_timestamp_ms, dropping", "error", err)
		metrics.StreamMessagesDropped.WithLabelValues(bus.SpeakerEventStream).Inc()
		return true
	}

	key := bus.SpeakerEventsKey(event.UID)
	if err := c.bus.ZAdd(ctx, key, timestampMS, raw); err != nil {
		log.Error("Failed to store speaker event", "session_uid", event.UID, "error", err)
		return false
	}
	if err := c.bus.Expire(ctx, key, c.speakerTTL); err != nil {
		log.Error("Failed to refresh speaker event TTL", "session_uid", event.UID, "error", err)
		return false
	}

	log.Debug("Stored speaker event",
		"session_uid", event.UID,
		"event_type", event.EventType,
		"timestamp_ms", timestampMS)
	return true
}

// parseTimestampMS accepts the timestamp as a JSON number or a numeric
// string.
func parseTimestampMS(raw json.RawMessage) (float64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	return strconv.ParseFloat(s, 64)
}
