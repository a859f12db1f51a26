package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/valentinvl1/vexa/pkg/database"
	"github.com/valentinvl1/vexa/pkg/models"
)

// UserService manages users and API tokens and resolves API keys to users.
type UserService struct {
	db *database.Client
}

// NewUserService creates a new UserService.
func NewUserService(db *database.Client) *UserService {
	return &UserService{db: db}
}

const userColumns = "id, email, COALESCE(name, ''), COALESCE(image_url, ''), max_concurrent_bots, data, created_at"

// GetByToken resolves an API key to its user. Returns ErrNotFound for
// unknown tokens.
func (s *UserService) GetByToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+joinUserColumns("u")+`
		 FROM users u
		 JOIN api_tokens t ON t.user_id = u.id
		 WHERE t.token = $1`, token)
	return scanUser(row)
}

// GetByID fetches a user by id.
func (s *UserService) GetByID(ctx context.Context, id int) (*models.User, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail fetches a user by email.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// FindOrCreate returns the user with the given email, creating it when
// absent. The second return value reports whether a new row was created.
func (s *UserService) FindOrCreate(ctx context.Context, email, name, imageURL string) (*models.User, bool, error) {
	if email == "" {
		return nil, false, NewValidationError("email", "required")
	}

	existing, err := s.GetByEmail(ctx, email)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO users (email, name, image_url)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		 RETURNING `+userColumns, email, name, imageURL)
	user, err := scanUser(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	return user, true, nil
}

// List returns users ordered by id with offset pagination.
func (s *UserService) List(ctx context.Context, skip, limit int) ([]*models.User, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserUpdate carries optional field updates; nil fields are left untouched.
type UserUpdate struct {
	Name              *string
	ImageURL          *string
	MaxConcurrentBots *int
}

// Update applies a partial update and returns the fresh row.
func (s *UserService) Update(ctx context.Context, id int, upd UserUpdate) (*models.User, error) {
	row := s.db.Pool().QueryRow(ctx,
		`UPDATE users SET
			name = COALESCE($2::varchar, name),
			image_url = COALESCE($3::text, image_url),
			max_concurrent_bots = COALESCE($4::int, max_concurrent_bots)
		 WHERE id = $1
		 RETURNING `+userColumns, id, upd.Name, upd.ImageURL, upd.MaxConcurrentBots)
	return scanUser(row)
}

// SetWebhookURL stores the webhook URL in the user's open-schema data.
func (s *UserService) SetWebhookURL(ctx context.Context, userID int, url string) (*models.User, error) {
	if url == "" {
		return nil, NewValidationError("webhook_url", "required")
	}
	row := s.db.Pool().QueryRow(ctx,
		`UPDATE users
		 SET data = jsonb_set(COALESCE(data, '{}'::jsonb), '{webhook_url}', to_jsonb($2::text))
		 WHERE id = $1
		 RETURNING `+userColumns, userID, url)
	return scanUser(row)
}

// CreateToken issues a new opaque API token for the user.
func (s *UserService) CreateToken(ctx context.Context, userID int) (*models.APIToken, error) {
	if _, err := s.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	value, err := generateSecureToken(40)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	token := &models.APIToken{}
	err = s.db.Pool().QueryRow(ctx,
		`INSERT INTO api_tokens (token, user_id) VALUES ($1, $2)
		 RETURNING id, token, user_id, created_at`, value, userID).
		Scan(&token.ID, &token.Token, &token.UserID, &token.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}
	return token, nil
}

// ListTokens returns the user's tokens, oldest first.
func (s *UserService) ListTokens(ctx context.Context, userID int) ([]*models.APIToken, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT id, token, user_id, created_at FROM api_tokens WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.APIToken
	for rows.Next() {
		t := &models.APIToken{}
		if err := rows.Scan(&t.ID, &t.Token, &t.UserID, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteToken revokes a token by its id.
func (s *UserService) DeleteToken(ctx context.Context, tokenID int) error {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM api_tokens WHERE id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func generateSecureToken(length int) (string, error) {
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenAlphabet))))
		if err != nil {
			return "", err
		}
		out[i] = tokenAlphabet[n.Int64()]
	}
	return string(out), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func joinUserColumns(alias string) string {
	return alias + ".id, " + alias + ".email, COALESCE(" + alias + ".name, ''), COALESCE(" + alias + ".image_url, ''), " +
		alias + ".max_concurrent_bots, " + alias + ".data, " + alias + ".created_at"
}

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	var data []byte
	var createdAt time.Time
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.ImageURL, &u.MaxConcurrentBots, &data, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CreatedAt = createdAt.UTC()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &u.Data); err != nil {
			return nil, fmt.Errorf("failed to decode user data: %w", err)
		}
	}
	return u, nil
}
