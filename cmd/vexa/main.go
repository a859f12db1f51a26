// Vexa control plane - dispatches meeting bots, ingests their live
// transcription output, and serves assembled transcripts.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/valentinvl1/vexa/pkg/api"
	"github.com/valentinvl1/vexa/pkg/bus"
	"github.com/valentinvl1/vexa/pkg/collector"
	"github.com/valentinvl1/vexa/pkg/config"
	"github.com/valentinvl1/vexa/pkg/database"
	"github.com/valentinvl1/vexa/pkg/driver"
	"github.com/valentinvl1/vexa/pkg/lifecycle"
	"github.com/valentinvl1/vexa/pkg/services"
	"github.com/valentinvl1/vexa/pkg/tasks"
	"github.com/valentinvl1/vexa/pkg/transcripts"
	"github.com/valentinvl1/vexa/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file loaded, using process environment", "path", *envFile)
	}
	setupLogging()

	slog.Info("Starting vexa", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL, schema migrated")

	messageBus, err := bus.NewRedisBus(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to message bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := messageBus.Close(); err != nil {
			slog.Error("Error closing message bus", "error", err)
		}
	}()
	slog.Info("Connected to Redis")

	containerDriver, err := driver.NewDockerDriver(ctx, cfg.Bot.DockerHost, cfg.Bot.ConnectRetries, cfg.Bot.ConnectRetryDelay)
	if err != nil {
		slog.Error("Failed to connect to container engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := containerDriver.Close(); err != nil {
			slog.Error("Error closing container driver", "error", err)
		}
	}()

	// Services
	userService := services.NewUserService(dbClient)
	meetingService := services.NewMeetingService(dbClient)
	sessionService := services.NewSessionService(dbClient)
	transcriptService := services.NewTranscriptService(dbClient)

	// Post-meeting tasks, registered at build time.
	taskRunner := tasks.NewRunner(meetingService, tasks.NewWebhookTask(userService))

	manager := lifecycle.NewManager(containerDriver, messageBus, meetingService, sessionService, taskRunner, cfg.Bot, cfg.RedisURL)

	textFilter, err := collector.NewTranscriptionFilter(cfg.Filter)
	if err != nil {
		slog.Error("Failed to build transcription filter", "error", err)
		os.Exit(1)
	}

	consumer := collector.NewConsumer(messageBus, userService, meetingService, sessionService, cfg.Consumer, cfg.Promoter)
	speakerConsumer := collector.NewSpeakerConsumer(messageBus, cfg.Consumer, cfg.Promoter)
	promoter := collector.NewPromoter(messageBus, transcriptService, textFilter, cfg.Promoter)
	assembler := transcripts.NewAssembler(messageBus, meetingService, sessionService, transcriptService)

	server := api.NewServer(manager, assembler, userService, meetingService, dbClient, messageBus, cfg.AdminAPIToken)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return consumer.Run(groupCtx) })
	group.Go(func() error { return speakerConsumer.Run(groupCtx) })
	group.Go(func() error { return promoter.Run(groupCtx) })
	group.Go(func() error { return server.Start(cfg.HTTPPort) })
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slog.Error("Process exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func setupLogging() {
	level := slog.LevelInfo
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(raw)); err == nil {
			level = parsed
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
