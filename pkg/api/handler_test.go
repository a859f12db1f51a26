package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentinvl1/vexa/pkg/lifecycle"
	"github.com/valentinvl1/vexa/pkg/models"
	"github.com/valentinvl1/vexa/pkg/services"
	"github.com/valentinvl1/vexa/pkg/transcripts"
)

type stubManager struct {
	requestMeeting *models.Meeting
	requestErr     error
	stopErr        error
	reconfigureErr error
	statusEntries  []lifecycle.BotStatusEntry
	statusErr      error
	exitMeeting    *models.Meeting
	exitErr        error

	lastRequest lifecycle.BotRequest
	lastExitUID string
}

func (s *stubManager) RequestBot(_ context.Context, _ *models.User, _ string, req lifecycle.BotRequest) (*models.Meeting, error) {
	s.lastRequest = req
	return s.requestMeeting, s.requestErr
}

func (s *stubManager) StopBot(context.Context, *models.User, models.Platform, string) error {
	return s.stopErr
}

func (s *stubManager) Reconfigure(context.Context, *models.User, models.Platform, string, string, string) error {
	return s.reconfigureErr
}

func (s *stubManager) BotStatus(context.Context, *models.User) ([]lifecycle.BotStatusEntry, error) {
	return s.statusEntries, s.statusErr
}

func (s *stubManager) HandleExitCallback(_ context.Context, uid string, _ int, _ string) (*models.Meeting, error) {
	s.lastExitUID = uid
	return s.exitMeeting, s.exitErr
}

type stubAssembler struct {
	transcript *transcripts.Transcript
	err        error
}

func (s *stubAssembler) Assemble(context.Context, int, models.Platform, string) (*transcripts.Transcript, error) {
	return s.transcript, s.err
}

type stubUsers struct {
	byToken map[string]*models.User
	byID    map[int]*models.User
	created bool
	tokens  []*models.APIToken
}

func (s *stubUsers) GetByToken(_ context.Context, token string) (*models.User, error) {
	if u, ok := s.byToken[token]; ok {
		return u, nil
	}
	return nil, services.ErrNotFound
}

func (s *stubUsers) GetByID(_ context.Context, id int) (*models.User, error) {
	if u, ok := s.byID[id]; ok {
		return u, nil
	}
	return nil, services.ErrNotFound
}

func (s *stubUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range s.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, services.ErrNotFound
}

func (s *stubUsers) FindOrCreate(_ context.Context, email, name, _ string) (*models.User, bool, error) {
	if u, err := s.GetByEmail(context.Background(), email); err == nil {
		return u, false, nil
	}
	u := &models.User{ID: 99, Email: email, Name: name, MaxConcurrentBots: 1, CreatedAt: time.Now()}
	if s.byID == nil {
		s.byID = make(map[int]*models.User)
	}
	s.byID[u.ID] = u
	s.created = true
	return u, true, nil
}

func (s *stubUsers) List(context.Context, int, int) ([]*models.User, error) {
	var out []*models.User
	for _, u := range s.byID {
		out = append(out, u)
	}
	return out, nil
}

func (s *stubUsers) Update(_ context.Context, id int, upd services.UserUpdate) (*models.User, error) {
	u, ok := s.byID[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	if upd.MaxConcurrentBots != nil {
		u.MaxConcurrentBots = *upd.MaxConcurrentBots
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	return u, nil
}

func (s *stubUsers) SetWebhookURL(_ context.Context, userID int, url string) (*models.User, error) {
	u, ok := s.byID[userID]
	if !ok {
		return nil, services.ErrNotFound
	}
	if u.Data == nil {
		u.Data = models.UserData{}
	}
	u.Data["webhook_url"] = url
	return u, nil
}

func (s *stubUsers) CreateToken(_ context.Context, userID int) (*models.APIToken, error) {
	if _, ok := s.byID[userID]; !ok {
		return nil, services.ErrNotFound
	}
	tok := &models.APIToken{ID: len(s.tokens) + 1, Token: "generated-token", UserID: userID, CreatedAt: time.Now()}
	s.tokens = append(s.tokens, tok)
	return tok, nil
}

func (s *stubUsers) ListTokens(_ context.Context, userID int) ([]*models.APIToken, error) {
	var out []*models.APIToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubUsers) DeleteToken(_ context.Context, tokenID int) error {
	for i, t := range s.tokens {
		if t.ID == tokenID {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
			return nil
		}
	}
	return services.ErrNotFound
}

type stubMeetings struct {
	meetings []*models.Meeting
}

func (s *stubMeetings) ListByUser(_ context.Context, userID int) ([]*models.Meeting, error) {
	var out []*models.Meeting
	for _, m := range s.meetings {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubMeetings) ListWithUsers(context.Context, int, int) ([]services.MeetingWithUser, int, error) {
	return nil, 0, nil
}

type serverFixture struct {
	server   *Server
	manager  *stubManager
	users    *stubUsers
	meetings *stubMeetings
}

func sampleMeeting() *models.Meeting {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return &models.Meeting{
		ID: 42, UserID: 7,
		Platform:        models.PlatformGoogleMeet,
		NativeMeetingID: "abc-defg-hij",
		Status:          models.StatusActive,
		BotContainerID:  "container-1",
		StartTime:       &start,
		CreatedAt:       start,
		UpdatedAt:       start,
	}
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	user := &models.User{ID: 7, Email: "u@example.com", MaxConcurrentBots: 2}
	users := &stubUsers{
		byToken: map[string]*models.User{"tok-1": user},
		byID:    map[int]*models.User{7: user},
	}
	manager := &stubManager{requestMeeting: sampleMeeting(), exitMeeting: sampleMeeting()}
	meetings := &stubMeetings{}
	assembler := &stubAssembler{transcript: &transcripts.Transcript{Meeting: sampleMeeting()}}

	// Health is not exercised in handler tests, so db/bus may be nil-ish.
	server := NewServer(manager, assembler, users, meetings, nil, nil, "admin-secret")
	return &serverFixture{server: server, manager: manager, users: users, meetings: meetings}
}

func (f *serverFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func authed() map[string]string { return map[string]string{APIKeyHeader: "tok-1"} }
func admin() map[string]string  { return map[string]string{AdminAPIKeyHeader: "admin-secret"} }

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestAuthMiddleware(t *testing.T) {
	f := newServerFixture(t)

	t.Run("missing key is 401", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/bots/status", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid key is 403", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/bots/status", "", map[string]string{APIKeyHeader: "nope"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("valid key passes", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/bots/status", "", authed())
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRequestBotEndpoint(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPost, "/bots", `{"platform":"google_meet","native_meeting_id":"abc-defg-hij","language":"en"}`, authed())
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var body MeetingResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 42, body.ID)
		assert.Equal(t, "active", body.Status)
		assert.Equal(t, "https://meet.google.com/abc-defg-hij", body.ConstructedMeetingURL)
		assert.Equal(t, "en", f.manager.lastRequest.Language)
	})

	t.Run("invalid platform is 400", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPost, "/bots", `{"platform":"webex","native_meeting_id":"x"}`, authed())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing native id is 400", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPost, "/bots", `{"platform":"zoom"}`, authed())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate is 409 with meeting id", func(t *testing.T) {
		f := newServerFixture(t)
		f.manager.requestErr = &services.DuplicateMeetingError{MeetingID: 42}
		rec := f.do(http.MethodPost, "/bots", `{"platform":"google_meet","native_meeting_id":"abc-defg-hij"}`, authed())
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, detailOf(t, rec), "42")
	})

	t.Run("limit reached is 403 quantified", func(t *testing.T) {
		f := newServerFixture(t)
		f.manager.requestErr = &services.BotLimitError{Limit: 1}
		rec := f.do(http.MethodPost, "/bots", `{"platform":"google_meet","native_meeting_id":"abc-defg-hij"}`, authed())
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, detailOf(t, rec), "maximum concurrent bot limit (1)")
	})
}

func TestStopBotEndpoint(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodDelete, "/bots/google_meet/abc-defg-hij", "", authed())
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("no active meeting is 404", func(t *testing.T) {
		f := newServerFixture(t)
		f.manager.stopErr = services.ErrNotFound
		rec := f.do(http.MethodDelete, "/bots/google_meet/abc-defg-hij", "", authed())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing container is 409", func(t *testing.T) {
		f := newServerFixture(t)
		f.manager.stopErr = services.ErrMissingContainer
		rec := f.do(http.MethodDelete, "/bots/google_meet/abc-defg-hij", "", authed())
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestReconfigureEndpoint(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPut, "/bots/google_meet/abc-defg-hij/config", `{"language":"es"}`, authed())
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("empty update is 400", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPut, "/bots/google_meet/abc-defg-hij/config", `{}`, authed())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-active meeting is 409", func(t *testing.T) {
		f := newServerFixture(t)
		f.manager.reconfigureErr = &services.ConflictError{Detail: "Meeting found but is not active (status: 'completed'). Cannot reconfigure."}
		rec := f.do(http.MethodPut, "/bots/google_meet/abc-defg-hij/config", `{"task":"translate"}`, authed())
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestExitCallbackEndpoint(t *testing.T) {
	t.Run("processed", func(t *testing.T) {
		f := newServerFixture(t)
		f.manager.exitMeeting.Status = models.StatusCompleted
		rec := f.do(http.MethodPost, "/bots/internal/callback/exited", `{"connection_id":"S1","exit_code":0}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "S1", f.manager.lastExitUID)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "completed", body["final_status"])
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		f := newServerFixture(t)
		f.manager.exitErr = services.ErrNotFound
		rec := f.do(http.MethodPost, "/bots/internal/callback/exited", `{"connection_id":"ghost","exit_code":0}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing exit_code is 400", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPost, "/bots/internal/callback/exited", `{"connection_id":"S1"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTranscriptEndpoint(t *testing.T) {
	f := newServerFixture(t)
	anchor := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f.server.assembler = &stubAssembler{transcript: &transcripts.Transcript{
		Meeting: sampleMeeting(),
		Segments: []transcripts.Segment{{
			StartTime: 0, EndTime: 1.5, Text: "hello world", Language: "en",
			AbsoluteStartTime: anchor, AbsoluteEndTime: anchor.Add(1500 * time.Millisecond),
		}},
	}}

	rec := f.do(http.MethodGet, "/transcripts/google_meet/abc-defg-hij", "", authed())
	require.Equal(t, http.StatusOK, rec.Code)

	var body TranscriptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Segments, 1)
	assert.Equal(t, "hello world", body.Segments[0].Text)
	assert.Equal(t, anchor, body.Segments[0].AbsoluteStartTime)
	assert.Equal(t, "abc-defg-hij", body.NativeMeetingID)
}

func TestMeetingsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.meetings.meetings = []*models.Meeting{sampleMeeting()}

	rec := f.do(http.MethodGet, "/meetings", "", authed())
	require.Equal(t, http.StatusOK, rec.Code)

	var body MeetingListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Meetings, 1)
	assert.Equal(t, 42, body.Meetings[0].ID)
}

func TestAdminEndpoints(t *testing.T) {
	t.Run("missing admin key is 403", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodGet, "/admin/users", "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unconfigured admin token is 500", func(t *testing.T) {
		f := newServerFixture(t)
		f.server.adminToken = ""
		rec := f.do(http.MethodGet, "/admin/users", "", admin())
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("create user 201 then find 200", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPost, "/admin/users", `{"email":"new@example.com","name":"New"}`, admin())
		assert.Equal(t, http.StatusCreated, rec.Code)

		rec = f.do(http.MethodPost, "/admin/users", `{"email":"new@example.com"}`, admin())
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("email change is rejected", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPatch, "/admin/users/7", `{"email":"other@example.com","max_concurrent_bots":5}`, admin())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("update max concurrent bots", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPatch, "/admin/users/7", `{"max_concurrent_bots":5}`, admin())
		require.Equal(t, http.StatusOK, rec.Code)
		var body UserResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 5, body.MaxConcurrentBots)
	})

	t.Run("token lifecycle", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(http.MethodPost, "/admin/users/7/tokens", "", admin())
		require.Equal(t, http.StatusCreated, rec.Code)
		var tok TokenResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

		rec = f.do(http.MethodDelete, "/admin/tokens/1", "", admin())
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = f.do(http.MethodDelete, "/admin/tokens/1", "", admin())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWebhookEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPut, "/user/webhook", `{"webhook_url":"https://example.com/hook"}`, authed())
	require.Equal(t, http.StatusOK, rec.Code)

	var body UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://example.com/hook", body.Data.WebhookURL())
}
