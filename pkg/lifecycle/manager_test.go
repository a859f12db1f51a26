package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/config"
	"github.com/valentinvl1/vexa/pkg/driver"
	"github.com/valentinvl1/vexa/pkg/models"
	"github.com/valentinvl1/vexa/pkg/services"
)

type memMeetingStore struct {
	mu       sync.Mutex
	nextID   int
	meetings map[int]*models.Meeting
}

func newMemMeetingStore() *memMeetingStore {
	return &memMeetingStore{meetings: make(map[int]*models.Meeting)}
}

func (s *memMeetingStore) Create(_ context.Context, userID int, platform models.Platform, nativeMeetingID string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m := &models.Meeting{
		ID: s.nextID, UserID: userID, Platform: platform, NativeMeetingID: nativeMeetingID,
		Status: models.StatusRequested, CreatedAt: time.Now().Add(time.Duration(s.nextID) * time.Millisecond), UpdatedAt: time.Now(),
	}
	s.meetings[m.ID] = m
	return copyMeeting(m), nil
}

func (s *memMeetingStore) GetByID(_ context.Context, id int) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return copyMeeting(m), nil
}

func (s *memMeetingStore) FindLatest(_ context.Context, userID int, platform models.Platform, nativeMeetingID string, statuses ...models.MeetingStatus) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Meeting
	for _, m := range s.meetings {
		if m.UserID != userID || m.Platform != platform || m.NativeMeetingID != nativeMeetingID {
			continue
		}
		if len(statuses) > 0 {
			ok := false
			for _, st := range statuses {
				if m.Status == st {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, services.ErrNotFound
	}
	return copyMeeting(latest), nil
}

func (s *memMeetingStore) MarkLaunched(_ context.Context, id int, containerID string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	now := time.Now().UTC()
	m.BotContainerID = containerID
	m.Status = models.StatusActive
	m.StartTime = &now
	return copyMeeting(m), nil
}

func (s *memMeetingStore) Transition(_ context.Context, id int, next models.MeetingStatus, setEndTime bool) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	if !m.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", services.ErrInvalidTransition, m.Status, next)
	}
	m.Status = next
	if setEndTime {
		now := time.Now().UTC()
		m.EndTime = &now
	}
	return copyMeeting(m), nil
}

func copyMeeting(m *models.Meeting) *models.Meeting {
	cp := *m
	return &cp
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions []*models.MeetingSession
}

func (s *memSessionStore) Record(_ context.Context, meetingID int, sessionUID string, startTime time.Time) (*models.MeetingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &models.MeetingSession{
		ID: len(s.sessions) + 1, MeetingID: meetingID, SessionUID: sessionUID, SessionStartTime: startTime,
	}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *memSessionStore) GetByUID(_ context.Context, sessionUID string) (*models.MeetingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.SessionUID == sessionUID {
			return sess, nil
		}
	}
	return nil, services.ErrNotFound
}

func (s *memSessionStore) EarliestForMeeting(_ context.Context, meetingID int) (*models.MeetingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest *models.MeetingSession
	for _, sess := range s.sessions {
		if sess.MeetingID != meetingID {
			continue
		}
		if earliest == nil || sess.SessionStartTime.Before(earliest.SessionStartTime) {
			earliest = sess
		}
	}
	if earliest == nil {
		return nil, services.ErrNotFound
	}
	return earliest, nil
}

func (s *memSessionStore) list(meetingID int) []*models.MeetingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MeetingSession
	for _, sess := range s.sessions {
		if sess.MeetingID == meetingID {
			out = append(out, sess)
		}
	}
	return out
}

type recordingTaskRunner struct {
	mu  sync.Mutex
	ran []int
}

func (r *recordingTaskRunner) Run(_ context.Context, meetingID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, meetingID)
}

func (r *recordingTaskRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

type fixture struct {
	manager  *Manager
	driver   *driver.FakeDriver
	bus      *bus.MemoryBus
	meetings *memMeetingStore
	sessions *memSessionStore
	tasks    *recordingTaskRunner
	user     *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := driver.NewFakeDriver()
	b := bus.NewMemoryBus()
	meetings := newMemMeetingStore()
	sessions := &memSessionStore{}
	tasks := &recordingTaskRunner{}

	cfg := config.BotConfig{
		Image:                 "vexa-bot:test",
		Network:               "vexa_default",
		WhisperLiveURL:        "ws://whisperlive.internal/ws",
		CallbackURL:           "http://bot-manager:8080/bots/internal/callback/exited",
		StopDelay:             30 * time.Second,
		FailedExitStopDelay:   10 * time.Second,
		WaitingRoomTimeoutMS:  300000,
		NoOneJoinedTimeoutMS:  120000,
		EveryoneLeftTimeoutMS: 60000,
	}
	m := NewManager(d, b, meetings, sessions, tasks, cfg, "redis://redis:6379/0")
	// Delays fire immediately so tests never sleep for real.
	m.sleep = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	return &fixture{
		manager: m, driver: d, bus: b, meetings: meetings, sessions: sessions, tasks: tasks,
		user: &models.User{ID: 7, Email: "u@example.com", MaxConcurrentBots: 2},
	}
}

func (f *fixture) requestBot(t *testing.T) *models.Meeting {
	t.Helper()
	meeting, err := f.manager.RequestBot(context.Background(), f.user, "tok-1", BotRequest{
		Platform:        models.PlatformGoogleMeet,
		NativeMeetingID: "abc-defg-hij",
	})
	require.NoError(t, err)
	return meeting
}

func waitForSessions(t *testing.T, f *fixture, meetingID, want int) []*models.MeetingSession {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.sessions.list(meetingID)) >= want
	}, time.Second, 5*time.Millisecond)
	return f.sessions.list(meetingID)
}

func TestRequestBotHappyPath(t *testing.T) {
	f := newFixture(t)
	meeting := f.requestBot(t)

	assert.Equal(t, models.StatusActive, meeting.Status)
	assert.NotEmpty(t, meeting.BotContainerID)
	require.NotNil(t, meeting.StartTime)

	running, err := f.driver.ListRunning(context.Background(), map[string]string{UserIDLabel: "7"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Contains(t, running[0].Name, fmt.Sprintf("vexa-bot-%d-", meeting.ID))

	sessions := waitForSessions(t, f, meeting.ID, 1)
	assert.NotEmpty(t, sessions[0].SessionUID)

	// The launch env carries the serialized bot config.
	var cfgJSON string
	for _, env := range runningEnv(t, f, running[0].ID) {
		if v, ok := cutPrefix(env, "BOT_CONFIG="); ok {
			cfgJSON = v
		}
	}
	require.NotEmpty(t, cfgJSON)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(cfgJSON), &payload))
	assert.Equal(t, float64(meeting.ID), payload["meeting_id"])
	assert.Equal(t, "google_meet", payload["platform"])
	assert.Equal(t, "https://meet.google.com/abc-defg-hij", payload["meetingUrl"])
	assert.Equal(t, "tok-1", payload["token"])
	assert.Equal(t, sessions[0].SessionUID, payload["connectionId"])
	assert.Equal(t, "redis://redis:6379/0", payload["redisUrl"])
	leave, ok := payload["automaticLeave"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(300000), leave["waitingRoomTimeout"])
}

func TestRequestBotDuplicateWithRunningContainer(t *testing.T) {
	f := newFixture(t)
	first := f.requestBot(t)
	waitForSessions(t, f, first.ID, 1)

	_, err := f.manager.RequestBot(context.Background(), f.user, "tok-1", BotRequest{
		Platform: models.PlatformGoogleMeet, NativeMeetingID: "abc-defg-hij",
	})
	var dup *services.DuplicateMeetingError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.MeetingID)
}

func TestRequestBotDuplicateWithDeadContainer(t *testing.T) {
	f := newFixture(t)
	first := f.requestBot(t)
	waitForSessions(t, f, first.ID, 1)

	f.driver.Kill(first.BotContainerID)

	second, err := f.manager.RequestBot(context.Background(), f.user, "tok-1", BotRequest{
		Platform: models.PlatformGoogleMeet, NativeMeetingID: "abc-defg-hij",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.StatusActive, second.Status)

	old, err := f.meetings.GetByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, old.Status)
	assert.NotNil(t, old.EndTime)
}

func TestRequestBotLimitReached(t *testing.T) {
	f := newFixture(t)
	f.user.MaxConcurrentBots = 1
	first := f.requestBot(t)
	waitForSessions(t, f, first.ID, 1)

	_, err := f.manager.RequestBot(context.Background(), f.user, "tok-1", BotRequest{
		Platform: models.PlatformZoom, NativeMeetingID: "1234567890",
	})
	var limit *services.BotLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 1, limit.Limit)
	assert.Contains(t, err.Error(), "maximum concurrent bot limit (1)")
}

func TestRequestBotLaunchFailureMarksError(t *testing.T) {
	f := newFixture(t)
	f.driver.CreateErr = fmt.Errorf("boom: %w", driver.ErrUnavailable)

	_, err := f.manager.RequestBot(context.Background(), f.user, "tok-1", BotRequest{
		Platform: models.PlatformGoogleMeet, NativeMeetingID: "abc-defg-hij",
	})
	require.ErrorIs(t, err, driver.ErrUnavailable)

	failed, err := f.meetings.FindLatest(context.Background(), 7, models.PlatformGoogleMeet, "abc-defg-hij")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, failed.Status)
}

func TestStopBotFlow(t *testing.T) {
	f := newFixture(t)
	meeting := f.requestBot(t)
	sessions := waitForSessions(t, f, meeting.ID, 1)
	uid := sessions[0].SessionUID

	require.NoError(t, f.manager.StopBot(context.Background(), f.user, models.PlatformGoogleMeet, "abc-defg-hij"))

	published := f.bus.Published(bus.BotCommandChannel(uid))
	require.Len(t, published, 1)
	assert.JSONEq(t, `{"action":"leave"}`, string(published[0]))

	stopped, err := f.meetings.GetByID(context.Background(), meeting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopping, stopped.Status)

	// The delayed stop fires (sleep is instant in tests).
	require.Eventually(t, func() bool {
		running, err := f.driver.IsRunning(context.Background(), meeting.BotContainerID)
		return err == nil && !running
	}, time.Second, 5*time.Millisecond)
}

func TestStopBotTargetsEarliestSession(t *testing.T) {
	f := newFixture(t)
	meeting := f.requestBot(t)
	waitForSessions(t, f, meeting.ID, 1)

	// A reconnect records a later session; commands still go to the
	// original channel.
	_, err := f.sessions.Record(context.Background(), meeting.ID, "S-reconnect", time.Now().Add(time.Hour))
	require.NoError(t, err)
	original := f.sessions.list(meeting.ID)[0].SessionUID

	require.NoError(t, f.manager.StopBot(context.Background(), f.user, models.PlatformGoogleMeet, "abc-defg-hij"))
	assert.Len(t, f.bus.Published(bus.BotCommandChannel(original)), 1)
	assert.Empty(t, f.bus.Published(bus.BotCommandChannel("S-reconnect")))
}

func TestStopBotNoActiveMeeting(t *testing.T) {
	f := newFixture(t)
	err := f.manager.StopBot(context.Background(), f.user, models.PlatformGoogleMeet, "abc-defg-hij")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestStopBotContinuesWhenBusDown(t *testing.T) {
	f := newFixture(t)
	meeting := f.requestBot(t)
	waitForSessions(t, f, meeting.ID, 1)
	require.NoError(t, f.bus.Close())

	require.NoError(t, f.manager.StopBot(context.Background(), f.user, models.PlatformGoogleMeet, "abc-defg-hij"))

	stopped, err := f.meetings.GetByID(context.Background(), meeting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopping, stopped.Status)
}

func TestReconfigure(t *testing.T) {
	f := newFixture(t)
	meeting := f.requestBot(t)
	sessions := waitForSessions(t, f, meeting.ID, 1)
	uid := sessions[0].SessionUID

	t.Run("publishes command on original channel", func(t *testing.T) {
		require.NoError(t, f.manager.Reconfigure(context.Background(), f.user, models.PlatformGoogleMeet, "abc-defg-hij", "es", "translate"))
		published := f.bus.Published(bus.BotCommandChannel(uid))
		require.Len(t, published, 1)
		var cmd map[string]any
		require.NoError(t, json.Unmarshal(published[0], &cmd))
		assert.Equal(t, "reconfigure", cmd["action"])
		assert.Equal(t, uid, cmd["uid"])
		assert.Equal(t, "es", cmd["language"])
		assert.Equal(t, "translate", cmd["task"])
	})

	t.Run("meeting in non-active status conflicts", func(t *testing.T) {
		_, err := f.meetings.Transition(context.Background(), meeting.ID, models.StatusStopping, false)
		require.NoError(t, err)
		err = f.manager.Reconfigure(context.Background(), f.user, models.PlatformGoogleMeet, "abc-defg-hij", "en", "")
		var conflict *services.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Contains(t, conflict.Error(), "stopping")
	})

	t.Run("unknown meeting is not found", func(t *testing.T) {
		err := f.manager.Reconfigure(context.Background(), f.user, models.PlatformZoom, "9999999999", "en", "")
		assert.ErrorIs(t, err, services.ErrNotFound)
	})
}

func TestExitCallback(t *testing.T) {
	t.Run("clean exit completes meeting and runs tasks", func(t *testing.T) {
		f := newFixture(t)
		meeting := f.requestBot(t)
		sessions := waitForSessions(t, f, meeting.ID, 1)

		updated, err := f.manager.HandleExitCallback(context.Background(), sessions[0].SessionUID, 0, "self_initiated_leave")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, updated.Status)
		assert.NotNil(t, updated.EndTime)
		require.Eventually(t, func() bool { return f.tasks.count() == 1 }, time.Second, 5*time.Millisecond)
		// Clean exits do not schedule a safety-net stop.
		assert.Empty(t, f.driver.StopCalls)
	})

	t.Run("failed exit fails meeting and schedules stop", func(t *testing.T) {
		f := newFixture(t)
		meeting := f.requestBot(t)
		sessions := waitForSessions(t, f, meeting.ID, 1)

		updated, err := f.manager.HandleExitCallback(context.Background(), sessions[0].SessionUID, 1, "ui_leave_failed")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, updated.Status)
		require.Eventually(t, func() bool { return f.tasks.count() == 1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			return len(f.driver.StopCalls) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("terminal meeting is not changed by further callbacks", func(t *testing.T) {
		f := newFixture(t)
		meeting := f.requestBot(t)
		sessions := waitForSessions(t, f, meeting.ID, 1)
		uid := sessions[0].SessionUID

		first, err := f.manager.HandleExitCallback(context.Background(), uid, 0, "")
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, first.Status)

		second, err := f.manager.HandleExitCallback(context.Background(), uid, 1, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, second.Status)
		// Tasks still run for the repeat callback.
		require.Eventually(t, func() bool { return f.tasks.count() == 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("unknown connection id is not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.HandleExitCallback(context.Background(), "ghost", 0, "")
		assert.ErrorIs(t, err, services.ErrNotFound)
	})
}

func TestBotStatusEnrichesFromMeetings(t *testing.T) {
	f := newFixture(t)
	meeting := f.requestBot(t)
	waitForSessions(t, f, meeting.ID, 1)

	entries, err := f.manager.BotStatus(context.Background(), f.user)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, meeting.BotContainerID, entries[0].ContainerID)
	assert.Equal(t, "google_meet", entries[0].Platform)
	assert.Equal(t, "abc-defg-hij", entries[0].NativeMeetingID)
	assert.Equal(t, strconv.Itoa(meeting.ID), entries[0].MeetingIDFromName)
	assert.Equal(t, "7", entries[0].Labels[UserIDLabel])
}

func TestBotStatusDriverError(t *testing.T) {
	f := newFixture(t)
	f.driver.ListErr = errors.New("engine down")
	_, err := f.manager.BotStatus(context.Background(), f.user)
	assert.Error(t, err)
}

// runningEnv digs the env of a fake container out of the driver. The fake
// does not retain env, so reconstruct from the bot spec the manager built:
// the test reaches through the container list instead.
func runningEnv(t *testing.T, f *fixture, containerID string) []string {
	t.Helper()
	return f.driver.EnvOf(containerID)
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}
