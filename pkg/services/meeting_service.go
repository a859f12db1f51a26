package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/valentinvl1/vexa/pkg/database"
	"github.com/valentinvl1/vexa/pkg/models"
)

// MeetingService manages meeting rows and their status state machine.
type MeetingService struct {
	db *database.Client
}

// NewMeetingService creates a new MeetingService.
func NewMeetingService(db *database.Client) *MeetingService {
	return &MeetingService{db: db}
}

const meetingColumns = `id, user_id, platform, COALESCE(native_meeting_id, ''), status,
	COALESCE(bot_container_id, ''), start_time, end_time, data, created_at, updated_at`

// Create inserts a new meeting in status "requested".
func (s *MeetingService) Create(ctx context.Context, userID int, platform models.Platform, nativeMeetingID string) (*models.Meeting, error) {
	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO meetings (user_id, platform, native_meeting_id, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+meetingColumns,
		userID, platform, nativeMeetingID, models.StatusRequested)
	return scanMeeting(row)
}

// GetByID fetches a meeting by id.
func (s *MeetingService) GetByID(ctx context.Context, id int) (*models.Meeting, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	return scanMeeting(row)
}

// FindLatest returns the newest meeting for (user, platform, native id)
// restricted to the given statuses; an empty status list matches all.
// Returns ErrNotFound when no row matches.
func (s *MeetingService) FindLatest(ctx context.Context, userID int, platform models.Platform, nativeMeetingID string, statuses ...models.MeetingStatus) (*models.Meeting, error) {
	query := `SELECT ` + meetingColumns + `
		FROM meetings
		WHERE user_id = $1 AND platform = $2 AND native_meeting_id = $3`
	args := []any{userID, platform, nativeMeetingID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($4)`
		statusStrings := make([]string, len(statuses))
		for i, st := range statuses {
			statusStrings[i] = string(st)
		}
		args = append(args, statusStrings)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.Pool().QueryRow(ctx, query, args...)
	return scanMeeting(row)
}

// ListByUser returns the user's meetings, newest first.
func (s *MeetingService) ListByUser(ctx context.Context, userID int) ([]*models.Meeting, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer rows.Close()
	return collectMeetings(rows)
}

// MarkLaunched records a successful container start: sets the container
// id, moves the row to "active", and stamps start_time.
func (s *MeetingService) MarkLaunched(ctx context.Context, id int, containerID string) (*models.Meeting, error) {
	row := s.db.Pool().QueryRow(ctx,
		`UPDATE meetings
		 SET bot_container_id = $2, status = $3, start_time = now(), updated_at = now()
		 WHERE id = $1
		 RETURNING `+meetingColumns, id, containerID, models.StatusActive)
	return scanMeeting(row)
}

// Transition moves a meeting to the next status under a row lock,
// enforcing the state machine. setEndTime stamps end_time on success.
// Returns ErrInvalidTransition when the current status forbids the move.
func (s *MeetingService) Transition(ctx context.Context, id int, next models.MeetingStatus, setEndTime bool) (*models.Meeting, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.MeetingStatus
	err = tx.QueryRow(ctx, `SELECT status FROM meetings WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock meeting %d: %w", id, err)
	}

	if !current.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	query := `UPDATE meetings SET status = $2, updated_at = now()`
	if setEndTime {
		query += `, end_time = now()`
	}
	query += ` WHERE id = $1 RETURNING ` + meetingColumns

	meeting, err := scanMeeting(tx.QueryRow(ctx, query, id, next))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return meeting, nil
}

// MeetingWithUser pairs a meeting with its owning user for admin stats.
type MeetingWithUser struct {
	Meeting *models.Meeting
	User    *models.User
}

// ListWithUsers returns a page of meetings joined with their users, newest
// first, plus the total meeting count.
func (s *MeetingService) ListWithUsers(ctx context.Context, skip, limit int) ([]MeetingWithUser, int, error) {
	var total int
	if err := s.db.Pool().QueryRow(ctx, `SELECT count(*) FROM meetings`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count meetings: %w", err)
	}

	rows, err := s.db.Pool().Query(ctx,
		`SELECT m.id, m.user_id, m.platform, COALESCE(m.native_meeting_id, ''), m.status,
			COALESCE(m.bot_container_id, ''), m.start_time, m.end_time, m.data, m.created_at, m.updated_at,
			`+joinUserColumns("u")+`
		 FROM meetings m
		 JOIN users u ON u.id = m.user_id
		 ORDER BY m.created_at DESC, m.id DESC
		 OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list meetings with users: %w", err)
	}
	defer rows.Close()

	var out []MeetingWithUser
	for rows.Next() {
		m := &models.Meeting{}
		u := &models.User{}
		var meetingData, userData []byte
		var userCreatedAt time.Time
		err := rows.Scan(
			&m.ID, &m.UserID, &m.Platform, &m.NativeMeetingID, &m.Status,
			&m.BotContainerID, &m.StartTime, &m.EndTime, &meetingData, &m.CreatedAt, &m.UpdatedAt,
			&u.ID, &u.Email, &u.Name, &u.ImageURL, &u.MaxConcurrentBots, &userData, &userCreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan meeting with user: %w", err)
		}
		if err := decodeMeetingData(m, meetingData); err != nil {
			return nil, 0, err
		}
		u.CreatedAt = userCreatedAt.UTC()
		if len(userData) > 0 {
			if err := json.Unmarshal(userData, &u.Data); err != nil {
				return nil, 0, fmt.Errorf("failed to decode user data: %w", err)
			}
		}
		out = append(out, MeetingWithUser{Meeting: m, User: u})
	}
	return out, total, rows.Err()
}

func scanMeeting(row rowScanner) (*models.Meeting, error) {
	m := &models.Meeting{}
	var data []byte
	err := row.Scan(&m.ID, &m.UserID, &m.Platform, &m.NativeMeetingID, &m.Status,
		&m.BotContainerID, &m.StartTime, &m.EndTime, &data, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan meeting: %w", err)
	}
	if err := decodeMeetingData(m, data); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func decodeMeetingData(m *models.Meeting, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &m.Data); err != nil {
		return fmt.Errorf("failed to decode meeting data: %w", err)
	}
	return nil
}

func collectMeetings(rows pgx.Rows) ([]*models.Meeting, error) {
	var meetings []*models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}
