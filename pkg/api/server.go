// Package api provides the HTTP surface: the bot lifecycle endpoints, the
// transcript read side, the user self-service and admin endpoints, and
// health/metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/database"
	"github.com/valentinvl1/vexa/pkg/lifecycle"
	"github.com/valentinvl1/vexa/pkg/models"
	"github.com/valentinvl1/vexa/pkg/services"
	"github.com/valentinvl1/vexa/pkg/transcripts"
)

// BotManager drives bot containers for the lifecycle endpoints.
type BotManager interface {
	RequestBot(ctx context.Context, user *models.User, token string, req lifecycle.BotRequest) (*models.Meeting, error)
	StopBot(ctx context.Context, user *models.User, platform models.Platform, nativeMeetingID string) error
	Reconfigure(ctx context.Context, user *models.User, platform models.Platform, nativeMeetingID, language, task string) error
	BotStatus(ctx context.Context, user *models.User) ([]lifecycle.BotStatusEntry, error)
	HandleExitCallback(ctx context.Context, connectionID string, exitCode int, reason string) (*models.Meeting, error)
}

// TranscriptAssembler serves the transcript read side.
type TranscriptAssembler interface {
	Assemble(ctx context.Context, userID int, platform models.Platform, nativeMeetingID string) (*transcripts.Transcript, error)
}

// UserDirectory is the user/token surface the handlers depend on.
type UserDirectory interface {
	GetByToken(ctx context.Context, token string) (*models.User, error)
	GetByID(ctx context.Context, id int) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	FindOrCreate(ctx context.Context, email, name, imageURL string) (*models.User, bool, error)
	List(ctx context.Context, skip, limit int) ([]*models.User, error)
	Update(ctx context.Context, id int, upd services.UserUpdate) (*models.User, error)
	SetWebhookURL(ctx context.Context, userID int, url string) (*models.User, error)
	CreateToken(ctx context.Context, userID int) (*models.APIToken, error)
	ListTokens(ctx context.Context, userID int) ([]*models.APIToken, error)
	DeleteToken(ctx context.Context, tokenID int) error
}

// MeetingDirectory is the meeting read surface the handlers depend on.
type MeetingDirectory interface {
	ListByUser(ctx context.Context, userID int) ([]*models.Meeting, error)
	ListWithUsers(ctx context.Context, skip, limit int) ([]services.MeetingWithUser, int, error)
}

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	manager    BotManager
	assembler  TranscriptAssembler
	users      UserDirectory
	meetings   MeetingDirectory
	db         *database.Client
	bus        bus.Bus
	adminToken string
}

// NewServer assembles the router over the given collaborators.
func NewServer(manager BotManager, assembler TranscriptAssembler, users UserDirectory, meetings MeetingDirectory, db *database.Client, b bus.Bus, adminToken string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		manager:    manager,
		assembler:  assembler,
		users:      users,
		meetings:   meetings,
		db:         db,
		bus:        b,
		adminToken: adminToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MessageResponse{Message: "Vexa bot manager is running"})
	})
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Bot lifecycle surface (X-API-Key).
	e.POST("/bots", s.requestBotHandler, s.apiKeyAuth)
	e.GET("/bots/status", s.botStatusHandler, s.apiKeyAuth)
	e.DELETE("/bots/:platform/:native_meeting_id", s.stopBotHandler, s.apiKeyAuth)
	e.PUT("/bots/:platform/:native_meeting_id/config", s.reconfigureBotHandler, s.apiKeyAuth)

	// Inbound callback from bot containers; reachable only on the
	// internal network, no API key involved.
	e.POST("/bots/internal/callback/exited", s.exitCallbackHandler)

	// Transcript read side (X-API-Key).
	e.GET("/meetings", s.listMeetingsHandler, s.apiKeyAuth)
	e.GET("/transcripts/:platform/:native_meeting_id", s.getTranscriptHandler, s.apiKeyAuth)

	// User self-service (X-API-Key).
	e.PUT("/user/webhook", s.setWebhookHandler, s.apiKeyAuth)

	// Admin surface (X-Admin-API-Key).
	admin := e.Group("/admin", s.adminAuth)
	admin.POST("/users", s.createUserHandler)
	admin.GET("/users", s.listUsersHandler)
	admin.GET("/users/email/:email", s.getUserByEmailHandler)
	admin.GET("/users/:id", s.getUserHandler)
	admin.PATCH("/users/:id", s.updateUserHandler)
	admin.POST("/users/:id/tokens", s.createTokenHandler)
	admin.DELETE("/tokens/:id", s.deleteTokenHandler)
	admin.GET("/stats/meetings-users", s.meetingsWithUsersHandler)
}

// Start serves HTTP on the given port until Shutdown.
func (s *Server) Start(port string) error {
	slog.Info("HTTP server listening", "port", port)
	if err := s.echo.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// healthHandler reports bus and database connectivity.
func (s *Server) healthHandler(c echo.Context) error {
	ctx := c.Request().Context()

	redisStatus := "healthy"
	if err := s.bus.Ping(ctx); err != nil {
		redisStatus = "unhealthy: " + err.Error()
	}

	dbStatus := "healthy"
	if err := database.Health(ctx, s.db); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	status := "healthy"
	code := http.StatusOK
	if redisStatus != "healthy" || dbStatus != "healthy" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, HealthResponse{
		Status:    status,
		Redis:     redisStatus,
		Database:  dbStatus,
		Timestamp: time.Now().UTC(),
	})
}
