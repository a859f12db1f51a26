package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/valentinvl1/vexa/pkg/database"
	"github.com/valentinvl1/vexa/pkg/models"
)

// SessionService manages meeting sessions (bot connections).
type SessionService struct {
	db *database.Client
}

// NewSessionService creates a new SessionService.
func NewSessionService(db *database.Client) *SessionService {
	return &SessionService{db: db}
}

const sessionColumns = "id, meeting_id, session_uid, session_start_time, created_at"

// Record inserts a session with a placeholder start time. The bot's later
// session_start event overwrites the timestamp with the authoritative one.
func (s *SessionService) Record(ctx context.Context, meetingID int, sessionUID string, startTime time.Time) (*models.MeetingSession, error) {
	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO meeting_sessions (meeting_id, session_uid, session_start_time)
		 VALUES ($1, $2, $3)
		 RETURNING `+sessionColumns, meetingID, sessionUID, startTime.UTC())
	return scanSession(row)
}

// UpsertStartTime sets the authoritative start time for a session,
// inserting the row when the uid is new.
func (s *SessionService) UpsertStartTime(ctx context.Context, meetingID int, sessionUID string, startTime time.Time) (*models.MeetingSession, error) {
	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO meeting_sessions (meeting_id, session_uid, session_start_time)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_uid)
		 DO UPDATE SET session_start_time = EXCLUDED.session_start_time
		 RETURNING `+sessionColumns, meetingID, sessionUID, startTime.UTC())
	return scanSession(row)
}

// GetByUID fetches a session by its unique connection id.
func (s *SessionService) GetByUID(ctx context.Context, sessionUID string) (*models.MeetingSession, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM meeting_sessions WHERE session_uid = $1`, sessionUID)
	return scanSession(row)
}

// EarliestForMeeting returns the meeting's first session. That session's
// uid is the canonical control channel for the bot.
func (s *SessionService) EarliestForMeeting(ctx context.Context, meetingID int) (*models.MeetingSession, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM meeting_sessions
		 WHERE meeting_id = $1
		 ORDER BY session_start_time ASC, id ASC
		 LIMIT 1`, meetingID)
	return scanSession(row)
}

// ListForMeeting returns every session of a meeting.
func (s *SessionService) ListForMeeting(ctx context.Context, meetingID int) ([]*models.MeetingSession, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM meeting_sessions
		 WHERE meeting_id = $1
		 ORDER BY session_start_time ASC, id ASC`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.MeetingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*models.MeetingSession, error) {
	sess := &models.MeetingSession{}
	err := row.Scan(&sess.ID, &sess.MeetingID, &sess.SessionUID, &sess.SessionStartTime, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.SessionStartTime = sess.SessionStartTime.UTC()
	sess.CreatedAt = sess.CreatedAt.UTC()
	return sess, nil
}
