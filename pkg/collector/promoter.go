package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/config"
	"github.com/valentinvl1/vexa/pkg/metrics"
	"github.com/valentinvl1/vexa/pkg/models"
)

// SegmentWriter persists batches of finalized segments.
type SegmentWriter interface {
	InsertBatch(ctx context.Context, segments []*models.Transcription) (int, error)
}

// Promoter periodically moves settled segments out of the mutable bus
// hashes into the relational store. A segment is settled once its last
// revision is older than the immutability threshold; the recognizer no
// longer rewrites it past that point.
type Promoter struct {
	bus    bus.Bus
	writer SegmentWriter
	filter *TranscriptionFilter
	cfg    config.PromoterConfig

	log *slog.Logger
	now func() time.Time
}

// NewPromoter wires a segment promoter.
func NewPromoter(b bus.Bus, writer SegmentWriter, filter *TranscriptionFilter, cfg config.PromoterConfig) *Promoter {
	return &Promoter{
		bus:    b,
		writer: writer,
		filter: filter,
		cfg:    cfg,
		log:    slog.With("component", "promoter"),
		now:    time.Now,
	}
}

// SetNow overrides the clock in tests.
func (p *Promoter) SetNow(now func() time.Time) { p.now = now }

// Run executes promotion passes on the configured interval until the
// context is cancelled. Errors are logged, never propagated.
func (p *Promoter) Run(ctx context.Context) error {
	p.log.Info("Promoter started",
		"interval", p.cfg.Interval,
		"immutability_threshold", p.cfg.ImmutabilityThreshold)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Promoter stopped")
			return nil
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.log.Error("Promotion pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single promotion pass over every active meeting.
func (p *Promoter) RunOnce(ctx context.Context) error {
	meetingIDs, err := p.bus.SMembers(ctx, bus.ActiveMeetingsKey)
	if err != nil {
		return err
	}
	if len(meetingIDs) == 0 {
		return nil
	}

	cutoff := p.now().UTC().Add(-p.cfg.ImmutabilityThreshold)

	var batch []*models.Transcription
	fieldsToDelete := make(map[int][]string)

	for _, idStr := range meetingIDs {
		meetingID, err := strconv.Atoi(idStr)
		if err != nil {
			p.log.Warn("Ignoring non-numeric active meeting id", "value", idStr)
			continue
		}

		hashKey := bus.MeetingSegmentsKey(meetingID)
		fields, err := p.bus.HGetAll(ctx, hashKey)
		if err != nil {
			p.log.Error("Failed to read segment hash", "meeting_id", meetingID, "error", err)
			continue
		}
		if len(fields) == 0 {
			// Fully drained; drop the meeting from the active set. A new
			// batch will re-add it.
			if err := p.bus.SRem(ctx, bus.ActiveMeetingsKey, idStr); err != nil {
				p.log.Error("Failed to remove drained meeting from active set", "meeting_id", meetingID, "error", err)
			}
			continue
		}

		for field, encoded := range fields {
			segment, settled, ok := p.inspectSegment(meetingID, field, encoded, cutoff)
			if !ok {
				// Unparseable entries are removed so they are not retried
				// forever.
				fieldsToDelete[meetingID] = append(fieldsToDelete[meetingID], field)
				continue
			}
			if !settled {
				continue
			}
			fieldsToDelete[meetingID] = append(fieldsToDelete[meetingID], field)
			if segment != nil {
				batch = append(batch, segment)
			}
		}
	}

	if len(batch) > 0 {
		inserted, err := p.writer.InsertBatch(ctx, batch)
		if err != nil {
			// Leave the hash fields in place; the next pass retries them.
			p.log.Error("Failed to persist segment batch", "count", len(batch), "error", err)
			return err
		}
		metrics.SegmentsPromoted.Add(float64(inserted))
		p.log.Info("Promoted segments", "count", inserted, "meetings", len(fieldsToDelete))
	}

	for meetingID, fields := range fieldsToDelete {
		if len(fields) == 0 {
			continue
		}
		if err := p.bus.HDel(ctx, bus.MeetingSegmentsKey(meetingID), fields...); err != nil {
			// A duplicate insert on the retry is absorbed by the store's
			// uniqueness constraint.
			p.log.Error("Failed to delete promoted fields", "meeting_id", meetingID, "error", err)
		}
	}
	return nil
}

// inspectSegment decides the fate of one hash field. ok=false marks an
// unparseable entry; settled=true means the segment aged past the cutoff,
// in which case segment is non-nil only when it passed the text filter.
func (p *Promoter) inspectSegment(meetingID int, field, encoded string, cutoff time.Time) (segment *models.Transcription, settled, ok bool) {
	startTime, err := strconv.ParseFloat(field, 64)
	if err != nil {
		p.log.Warn("Segment hash field is not a relative time", "meeting_id", meetingID, "field", field)
		return nil, false, false
	}

	var buffered BufferedSegment
	if err := json.Unmarshal([]byte(encoded), &buffered); err != nil {
		p.log.Warn("Unparseable buffered segment", "meeting_id", meetingID, "field", field, "error", err)
		return nil, false, false
	}
	updatedAt, err := buffered.UpdatedAtTime()
	if err != nil {
		p.log.Warn("Buffered segment missing revision time", "meeting_id", meetingID, "field", field, "error", err)
		return nil, false, false
	}

	if !updatedAt.Before(cutoff) {
		return nil, false, true
	}

	if !p.filter.Accept(buffered.Text, buffered.Language) {
		metrics.SegmentsRejected.Inc()
		return nil, true, true
	}

	return &models.Transcription{
		MeetingID:  meetingID,
		SessionUID: buffered.SessionUID,
		StartTime:  startTime,
		EndTime:    buffered.EndTime,
		Text:       buffered.Text,
		Language:   buffered.Language,
		Speaker:    buffered.Speaker,
		CreatedAt:  p.now().UTC(),
	}, true, true
}
