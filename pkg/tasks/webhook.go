package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/valentinvl1/vexa/pkg/metrics"
	"github.com/valentinvl1/vexa/pkg/models"
)

// UserGetter loads users for webhook lookups.
type UserGetter interface {
	GetByID(ctx context.Context, id int) (*models.User, error)
}

// WebhookTask POSTs the finished meeting to the owner's configured webhook
// URL. Users without a webhook are a no-op; delivery failures are logged,
// not retried.
type WebhookTask struct {
	users  UserGetter
	client *http.Client
	log    *slog.Logger
}

// NewWebhookTask creates the webhook task with a bounded delivery timeout.
func NewWebhookTask(users UserGetter) *WebhookTask {
	return &WebhookTask{
		users:  users,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    slog.With("component", "webhook_task"),
	}
}

// Name implements Task.
func (t *WebhookTask) Name() string { return "send_webhook" }

// webhookPayload mirrors the meeting response schema served by the API.
type webhookPayload struct {
	ID                    int        `json:"id"`
	UserID                int        `json:"user_id"`
	Platform              string     `json:"platform"`
	NativeMeetingID       string     `json:"native_meeting_id"`
	ConstructedMeetingURL string     `json:"constructed_meeting_url,omitempty"`
	Status                string     `json:"status"`
	BotContainerID        string     `json:"bot_container_id,omitempty"`
	StartTime             *time.Time `json:"start_time,omitempty"`
	EndTime               *time.Time `json:"end_time,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Run implements Task.
func (t *WebhookTask) Run(ctx context.Context, meeting *models.Meeting) error {
	user, err := t.users.GetByID(ctx, meeting.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %d: %w", meeting.UserID, err)
	}

	url := user.Data.WebhookURL()
	if url == "" {
		t.log.Info("No webhook configured, skipping", "user_id", user.ID, "meeting_id", meeting.ID)
		return nil
	}

	payload := webhookPayload{
		ID:                    meeting.ID,
		UserID:                meeting.UserID,
		Platform:              string(meeting.Platform),
		NativeMeetingID:       meeting.NativeMeetingID,
		ConstructedMeetingURL: meeting.ConstructedMeetingURL(),
		Status:                string(meeting.Status),
		BotContainerID:        meeting.BotContainerID,
		StartTime:             meeting.StartTime,
		EndTime:               meeting.EndTime,
		CreatedAt:             meeting.CreatedAt,
		UpdatedAt:             meeting.UpdatedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return fmt.Errorf("webhook delivery to %s failed: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		metrics.WebhookDeliveries.WithLabelValues("http_error").Inc()
		return fmt.Errorf("webhook delivery to %s returned status %d", url, resp.StatusCode)
	}

	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
	t.log.Info("Webhook delivered", "meeting_id", meeting.ID, "url", url, "status", resp.StatusCode)
	return nil
}

var _ Task = (*WebhookTask)(nil)
