// Package lifecycle implements the bot lifecycle manager: admission
// control, container launch and stop, reconfiguration commands, and exit
// reconciliation.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/config"
	"github.com/valentinvl1/vexa/pkg/driver"
	"github.com/valentinvl1/vexa/pkg/metrics"
	"github.com/valentinvl1/vexa/pkg/models"
	"github.com/valentinvl1/vexa/pkg/services"
)

// UserIDLabel is the container label carrying the owning user's id.
// Admission control counts running containers by this label; the
// relational store is never consulted for the count.
const UserIDLabel = "vexa.user_id"

// MeetingStore is the meeting persistence the manager depends on.
type MeetingStore interface {
	Create(ctx context.Context, userID int, platform models.Platform, nativeMeetingID string) (*models.Meeting, error)
	GetByID(ctx context.Context, id int) (*models.Meeting, error)
	FindLatest(ctx context.Context, userID int, platform models.Platform, nativeMeetingID string, statuses ...models.MeetingStatus) (*models.Meeting, error)
	MarkLaunched(ctx context.Context, id int, containerID string) (*models.Meeting, error)
	Transition(ctx context.Context, id int, next models.MeetingStatus, setEndTime bool) (*models.Meeting, error)
}

// SessionStore is the session persistence the manager depends on.
type SessionStore interface {
	Record(ctx context.Context, meetingID int, sessionUID string, startTime time.Time) (*models.MeetingSession, error)
	GetByUID(ctx context.Context, sessionUID string) (*models.MeetingSession, error)
	EarliestForMeeting(ctx context.Context, meetingID int) (*models.MeetingSession, error)
}

// TaskRunner runs the post-meeting task sequence for an exited meeting.
type TaskRunner interface {
	Run(ctx context.Context, meetingID int)
}

// BotRequest is the validated input of a bot launch.
type BotRequest struct {
	Platform        models.Platform
	NativeMeetingID string
	BotName         string
	Language        string
	Task            string
}

// BotStatusEntry describes one running bot container, enriched with the
// meeting it serves when that can be resolved.
type BotStatusEntry struct {
	ContainerID       string            `json:"container_id"`
	ContainerName     string            `json:"container_name"`
	Platform          string            `json:"platform,omitempty"`
	NativeMeetingID   string            `json:"native_meeting_id,omitempty"`
	Status            string            `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	Labels            map[string]string `json:"labels"`
	MeetingIDFromName string            `json:"meeting_id_from_name"`
}

// Manager drives bot containers and the meeting state machine.
type Manager struct {
	driver   driver.ContainerDriver
	bus      bus.Bus
	meetings MeetingStore
	sessions SessionStore
	tasks    TaskRunner

	cfg      config.BotConfig
	redisURL string

	log  *slog.Logger
	now  func() time.Time
	wg   sync.WaitGroup
	done chan struct{}

	// sleep is swappable so tests can skip real delays.
	sleep func(d time.Duration) <-chan time.Time
}

// NewManager wires a bot lifecycle manager. The redisURL is handed to bots
// so they can publish onto the transcription stream.
func NewManager(d driver.ContainerDriver, b bus.Bus, meetings MeetingStore, sessions SessionStore, tasks TaskRunner, cfg config.BotConfig, redisURL string) *Manager {
	return &Manager{
		driver:   d,
		bus:      b,
		meetings: meetings,
		sessions: sessions,
		tasks:    tasks,
		cfg:      cfg,
		redisURL: redisURL,
		log:      slog.With("component", "bot_manager"),
		now:      time.Now,
		done:     make(chan struct{}),
		sleep:    time.After,
	}
}

// Shutdown stops accepting delayed work and waits for in-flight background
// tasks to finish or the context to expire.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.done)
	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		m.log.Warn("Shutdown timed out waiting for background tasks")
	}
}

// botConfigPayload is the serialized configuration handed to the bot
// container via its BOT_CONFIG environment variable. Empty optional fields
// are omitted.
type botConfigPayload struct {
	MeetingID       int                  `json:"meeting_id"`
	Platform        string               `json:"platform"`
	MeetingURL      string               `json:"meetingUrl,omitempty"`
	BotName         string               `json:"botName"`
	Token           string               `json:"token"`
	NativeMeetingID string               `json:"nativeMeetingId"`
	ConnectionID    string               `json:"connectionId"`
	Language        string               `json:"language,omitempty"`
	Task            string               `json:"task,omitempty"`
	RedisURL        string               `json:"redisUrl"`
	AutomaticLeave  automaticLeaveConfig `json:"automaticLeave"`
	CallbackURL     string               `json:"botManagerCallbackUrl"`
}

type automaticLeaveConfig struct {
	WaitingRoomTimeout  int `json:"waitingRoomTimeout"`
	NoOneJoinedTimeout  int `json:"noOneJoinedTimeout"`
	EveryoneLeftTimeout int `json:"everyoneLeftTimeout"`
}

// RequestBot launches a bot for the user's meeting tuple.
//
// The duplicate check reconciles against the container engine: a stale row
// whose container died out-of-band is marked failed and replaced instead
// of blocking the request. Admission counts actually-running containers
// labeled with the user id, never relational state.
func (m *Manager) RequestBot(ctx context.Context, user *models.User, token string, req BotRequest) (*models.Meeting, error) {
	log := m.log.With("user_id", user.ID, "platform", req.Platform, "native_meeting_id", req.NativeMeetingID)

	meetingURL := models.ConstructMeetingURL(req.Platform, req.NativeMeetingID)
	if meetingURL == "" {
		log.Warn("Could not construct meeting URL, bot must resolve the meeting externally")
	}

	if err := m.reconcileDuplicate(ctx, log, user, req); err != nil {
		return nil, err
	}

	if err := m.enforceBotLimit(ctx, user); err != nil {
		return nil, err
	}

	meeting, err := m.meetings.Create(ctx, user.ID, req.Platform, req.NativeMeetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to create meeting: %w", err)
	}
	log = log.With("meeting_id", meeting.ID)

	connectionID := uuid.NewString()
	spec, err := m.buildBotSpec(user, token, req, meeting, meetingURL, connectionID)
	if err != nil {
		return nil, err
	}

	containerID, err := m.driver.CreateAndStart(ctx, spec)
	if err != nil {
		log.Error("Failed to start bot container", "error", err)
		if _, terr := m.meetings.Transition(ctx, meeting.ID, models.StatusError, false); terr != nil {
			log.Error("Failed to mark meeting as error after launch failure", "error", terr)
		}
		return nil, err
	}
	metrics.BotsLaunched.Inc()
	log.Info("Started bot container", "container_id", containerID, "connection_id", connectionID)

	// The session row is recorded off the request path with a placeholder
	// start time; the bot's session_start event overwrites it.
	m.spawn(func(bg context.Context) {
		if _, err := m.sessions.Record(bg, meeting.ID, connectionID, m.now().UTC()); err != nil {
			m.log.Error("Failed to record session start",
				"meeting_id", meeting.ID, "connection_id", connectionID, "error", err)
		}
	})

	launched, err := m.meetings.MarkLaunched(ctx, meeting.ID, containerID)
	if err != nil {
		log.Error("Failed to mark meeting active", "error", err)
		return nil, err
	}
	return launched, nil
}

// reconcileDuplicate applies the duplicate rules for a launch request.
func (m *Manager) reconcileDuplicate(ctx context.Context, log *slog.Logger, user *models.User, req BotRequest) error {
	existing, err := m.meetings.FindLatest(ctx, user.ID, req.Platform, req.NativeMeetingID,
		models.StatusRequested, models.StatusActive, models.StatusStopping)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		return err
	}

	if existing.BotContainerID == "" {
		log.Warn("Existing meeting has no container, marking failed", "existing_meeting_id", existing.ID, "status", existing.Status)
		if _, err := m.meetings.Transition(ctx, existing.ID, models.StatusFailed, true); err != nil {
			return fmt.Errorf("failed to clean up container-less meeting %d: %w", existing.ID, err)
		}
		return nil
	}

	running, err := m.driver.IsRunning(ctx, existing.BotContainerID)
	if err != nil {
		return fmt.Errorf("failed to verify existing container for meeting %d: %w", existing.ID, err)
	}
	if running {
		log.Warn("Duplicate bot request with running container", "existing_meeting_id", existing.ID)
		return &services.DuplicateMeetingError{MeetingID: existing.ID}
	}

	log.Warn("Existing meeting's container is not running, marking failed", "existing_meeting_id", existing.ID)
	if _, err := m.meetings.Transition(ctx, existing.ID, models.StatusFailed, true); err != nil {
		return fmt.Errorf("failed to clean up dead meeting %d: %w", existing.ID, err)
	}
	return nil
}

// enforceBotLimit rejects a launch when the user already runs their quota
// of containers. Ground truth is the container engine.
func (m *Manager) enforceBotLimit(ctx context.Context, user *models.User) error {
	running, err := m.driver.ListRunning(ctx, map[string]string{UserIDLabel: strconv.Itoa(user.ID)})
	if err != nil {
		return fmt.Errorf("failed to count running bots: %w", err)
	}
	if len(running) >= user.MaxConcurrentBots {
		m.log.Warn("Bot limit reached", "user_id", user.ID, "running", len(running), "limit", user.MaxConcurrentBots)
		return &services.BotLimitError{Limit: user.MaxConcurrentBots}
	}
	return nil
}

func (m *Manager) buildBotSpec(user *models.User, token string, req BotRequest, meeting *models.Meeting, meetingURL, connectionID string) (driver.ContainerSpec, error) {
	botName := req.BotName
	if botName == "" {
		botName = "VexaBot-" + shortHex(6)
	}

	payload := botConfigPayload{
		MeetingID:       meeting.ID,
		Platform:        string(req.Platform),
		MeetingURL:      meetingURL,
		BotName:         botName,
		Token:           token,
		NativeMeetingID: req.NativeMeetingID,
		ConnectionID:    connectionID,
		Language:        req.Language,
		Task:            req.Task,
		RedisURL:        m.redisURL,
		AutomaticLeave: automaticLeaveConfig{
			WaitingRoomTimeout:  m.cfg.WaitingRoomTimeoutMS,
			NoOneJoinedTimeout:  m.cfg.NoOneJoinedTimeoutMS,
			EveryoneLeftTimeout: m.cfg.EveryoneLeftTimeoutMS,
		},
		CallbackURL: m.cfg.CallbackURL,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return driver.ContainerSpec{}, fmt.Errorf("failed to encode bot config: %w", err)
	}

	return driver.ContainerSpec{
		Image: m.cfg.Image,
		Name:  fmt.Sprintf("vexa-bot-%d-%s", meeting.ID, shortHex(8)),
		Env: []string{
			"BOT_CONFIG=" + string(encoded),
			"WHISPER_LIVE_URL=" + m.cfg.WhisperLiveURL,
		},
		Labels:     map[string]string{UserIDLabel: strconv.Itoa(user.ID)},
		Network:    m.cfg.Network,
		AutoRemove: true,
	}, nil
}

// StopBot sends a leave command on the meeting's original session channel,
// moves the row to stopping, and schedules a delayed force-stop as the
// safety net for bots that miss the command.
func (m *Manager) StopBot(ctx context.Context, user *models.User, platform models.Platform, nativeMeetingID string) error {
	log := m.log.With("user_id", user.ID, "platform", platform, "native_meeting_id", nativeMeetingID)

	meeting, err := m.meetings.FindLatest(ctx, user.ID, platform, nativeMeetingID, models.StatusActive)
	if err != nil {
		return err
	}
	log = log.With("meeting_id", meeting.ID)

	if meeting.BotContainerID == "" {
		log.Warn("Active meeting has no container id, marking error")
		if _, terr := m.meetings.Transition(ctx, meeting.ID, models.StatusError, false); terr != nil {
			log.Error("Failed to mark meeting as error", "error", terr)
		}
		return services.ErrMissingContainer
	}

	session, err := m.sessions.EarliestForMeeting(ctx, meeting.ID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			log.Error("Active meeting has no recorded session, cannot address bot")
			if _, terr := m.meetings.Transition(ctx, meeting.ID, models.StatusError, false); terr != nil {
				log.Error("Failed to mark meeting as error", "error", terr)
			}
			return services.ErrMissingSession
		}
		return err
	}

	// Command delivery is fire-and-forget: a missed leave command is
	// covered by the delayed container stop.
	if err := m.publishCommand(ctx, session.SessionUID, map[string]any{"action": "leave"}); err != nil {
		log.Error("Failed to publish leave command, relying on delayed stop", "error", err)
	}

	if _, err := m.meetings.Transition(ctx, meeting.ID, models.StatusStopping, false); err != nil {
		return err
	}

	m.scheduleDelayedStop(meeting.BotContainerID, m.cfg.StopDelay)
	log.Info("Stop accepted", "session_uid", session.SessionUID, "stop_delay", m.cfg.StopDelay)
	return nil
}

// Reconfigure publishes a reconfigure command to the meeting's original
// session channel.
func (m *Manager) Reconfigure(ctx context.Context, user *models.User, platform models.Platform, nativeMeetingID, language, task string) error {
	log := m.log.With("user_id", user.ID, "platform", platform, "native_meeting_id", nativeMeetingID)

	meeting, err := m.meetings.FindLatest(ctx, user.ID, platform, nativeMeetingID, models.StatusActive)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			return err
		}
		// Distinguish "no such meeting" from "meeting exists but is not
		// active" for the client.
		latest, lerr := m.meetings.FindLatest(ctx, user.ID, platform, nativeMeetingID)
		if lerr == nil {
			return &services.ConflictError{
				Detail: fmt.Sprintf("Meeting found but is not active (status: '%s'). Cannot reconfigure.", latest.Status),
			}
		}
		return services.ErrNotFound
	}

	session, err := m.sessions.EarliestForMeeting(ctx, meeting.ID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return &services.ConflictError{
				Detail: "Meeting is active but session information is missing. Cannot process reconfiguration.",
			}
		}
		return err
	}

	command := map[string]any{
		"action": "reconfigure",
		"uid":    session.SessionUID,
	}
	if language != "" {
		command["language"] = language
	}
	if task != "" {
		command["task"] = task
	}
	if err := m.publishCommand(ctx, session.SessionUID, command); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrUnavailable, err)
	}

	log.Info("Reconfigure command published", "meeting_id", meeting.ID, "session_uid", session.SessionUID)
	return nil
}

// BotStatus lists the user's running bot containers, resolving meeting
// details through the meeting id encoded in the container name.
func (m *Manager) BotStatus(ctx context.Context, user *models.User) ([]BotStatusEntry, error) {
	containers, err := m.driver.ListRunning(ctx, map[string]string{UserIDLabel: strconv.Itoa(user.ID)})
	if err != nil {
		return nil, fmt.Errorf("failed to list running bots: %w", err)
	}

	entries := make([]BotStatusEntry, 0, len(containers))
	for _, c := range containers {
		entry := BotStatusEntry{
			ContainerID:       c.ID,
			ContainerName:     c.Name,
			Status:            c.Status,
			CreatedAt:         c.CreatedAt,
			Labels:            c.Labels,
			MeetingIDFromName: "unknown",
		}
		if meetingID, ok := meetingIDFromContainerName(c.Name); ok {
			entry.MeetingIDFromName = strconv.Itoa(meetingID)
			meeting, err := m.meetings.GetByID(ctx, meetingID)
			switch {
			case err == nil:
				entry.Platform = string(meeting.Platform)
				entry.NativeMeetingID = meeting.NativeMeetingID
			case errors.Is(err, services.ErrNotFound):
				m.log.Warn("No meeting row for running container", "container_name", c.Name, "meeting_id", meetingID)
			default:
				m.log.Error("Meeting lookup failed for running container", "container_name", c.Name, "error", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// HandleExitCallback reconciles a bot's self-reported exit. Terminal
// meetings are left untouched; post-meeting tasks run in every case.
func (m *Manager) HandleExitCallback(ctx context.Context, connectionID string, exitCode int, reason string) (*models.Meeting, error) {
	log := m.log.With("connection_id", connectionID, "exit_code", exitCode, "reason", reason)

	session, err := m.sessions.GetByUID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	meeting, err := m.meetings.GetByID(ctx, session.MeetingID)
	if err != nil {
		return nil, err
	}
	log = log.With("meeting_id", meeting.ID)

	if !meeting.Status.IsTerminal() {
		next := models.StatusCompleted
		if exitCode != 0 {
			next = models.StatusFailed
		}
		updated, err := m.meetings.Transition(ctx, meeting.ID, next, true)
		switch {
		case err == nil:
			meeting = updated
			log.Info("Meeting reconciled from exit callback", "status", meeting.Status)
		case errors.Is(err, services.ErrInvalidTransition):
			log.Warn("Exit callback cannot transition meeting", "status", meeting.Status, "error", err)
		default:
			return nil, err
		}
	} else {
		log.Info("Exit callback for already-terminal meeting, status unchanged", "status", meeting.Status)
	}

	meetingID := meeting.ID
	m.spawn(func(bg context.Context) {
		m.tasks.Run(bg, meetingID)
	})

	if exitCode != 0 && meeting.BotContainerID != "" {
		log.Warn("Bot exited non-zero, scheduling safety-net container stop")
		m.scheduleDelayedStop(meeting.BotContainerID, m.cfg.FailedExitStopDelay)
	}
	return meeting, nil
}

// scheduleDelayedStop force-stops a container after the delay. The stop
// itself runs on its own goroutine so no request or loop blocks on the
// engine.
func (m *Manager) scheduleDelayedStop(containerID string, delay time.Duration) {
	m.spawn(func(bg context.Context) {
		select {
		case <-m.sleep(delay):
		case <-m.done:
			return
		}
		stopCtx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()
		if err := m.driver.Stop(stopCtx, containerID, 10*time.Second); err != nil {
			m.log.Error("Delayed container stop failed", "container_id", containerID, "error", err)
			return
		}
		m.log.Info("Delayed container stop completed", "container_id", containerID)
	})
}

func (m *Manager) publishCommand(ctx context.Context, sessionUID string, command map[string]any) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, bus.BotCommandChannel(sessionUID), payload)
}

// spawn runs fn on a tracked goroutine with a background context, so HTTP
// handlers stay bounded while Shutdown can still wait for stragglers.
func (m *Manager) spawn(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(context.Background())
	}()
}

// meetingIDFromContainerName parses the meeting id out of
// "vexa-bot-<meeting_id>-<suffix>".
func meetingIDFromContainerName(name string) (int, bool) {
	parts := strings.Split(name, "-")
	if len(parts) < 3 || parts[0] != "vexa" || parts[1] != "bot" {
		return 0, false
	}
	id, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, false
	}
	return id, true
}

func shortHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
