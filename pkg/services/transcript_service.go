package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/valentinvl1/vexa/pkg/database"
	"github.com/valentinvl1/vexa/pkg/models"
)

// TranscriptService manages finalized transcript segments. Rows are
// append-only; duplicates within a meeting (same session uid and relative
// start) are silently dropped.
type TranscriptService struct {
	db *database.Client
}

// NewTranscriptService creates a new TranscriptService.
func NewTranscriptService(db *database.Client) *TranscriptService {
	return &TranscriptService{db: db}
}

// InsertBatch writes a batch of segments in one transaction and returns
// the number of rows actually inserted.
func (s *TranscriptService) InsertBatch(ctx context.Context, segments []*models.Transcription) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, seg := range segments {
		tag, err := tx.Exec(ctx,
			`INSERT INTO transcriptions (meeting_id, session_uid, start_time, end_time, text, language, speaker)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
			 ON CONFLICT (meeting_id, session_uid, start_time) DO NOTHING`,
			seg.MeetingID, seg.SessionUID, seg.StartTime, seg.EndTime, seg.Text, seg.Language, seg.Speaker)
		if err != nil {
			return 0, fmt.Errorf("failed to insert segment (meeting %d, start %.3f): %w", seg.MeetingID, seg.StartTime, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit segment batch: %w", err)
	}
	return inserted, nil
}

// ListByMeeting returns every persisted segment of a meeting, unsorted;
// the assembler orders by computed absolute time.
func (s *TranscriptService) ListByMeeting(ctx context.Context, meetingID int) ([]*models.Transcription, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT id, meeting_id, COALESCE(session_uid, ''), start_time, end_time, text,
			COALESCE(language, ''), COALESCE(speaker, ''), created_at
		 FROM transcriptions
		 WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcriptions: %w", err)
	}
	defer rows.Close()

	var segments []*models.Transcription
	for rows.Next() {
		t := &models.Transcription{}
		err := rows.Scan(&t.ID, &t.MeetingID, &t.SessionUID, &t.StartTime, &t.EndTime,
			&t.Text, &t.Language, &t.Speaker, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transcription: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		segments = append(segments, t)
	}
	return segments, rows.Err()
}

// CountByMeeting returns the number of persisted segments for a meeting.
func (s *TranscriptService) CountByMeeting(ctx context.Context, meetingID int) (int, error) {
	var count int
	err := s.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM transcriptions WHERE meeting_id = $1`, meetingID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count transcriptions: %w", err)
	}
	return count, nil
}
