package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"simulado-service/internal/app"
	"simulado-service/internal/config"
	"simulado-service/internal/domain"
	"simulado-service/internal/infra/memory"
	"simulado-service/internal/infra/postgres"
	infraredis "simulado-service/internal/infra/redis"
	transport "simulado-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the exam attempt server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var (
		loader   memory.ExamLoader
		attempts app.AttemptRepository
	)
	if pool != nil {
		loader = postgres.NewExamLoader(pool)
		attempts = postgres.NewAttemptRepository(pool)
	} else {
		log.Warn().Msg("postgres not configured, using in-memory stores with sample data")
		loader = memory.NewStaticExamLoader(sampleExams())
		store := memory.NewAttemptStore()
		for _, u := range sampleUsers() {
			store.AddUser(u)
		}
		attempts = store
	}

	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)
	var (
		exams   app.ExamRepository
		staging app.AnswerStaging
	)
	if redisClient != nil {
		exams = infraredis.NewExamRepository(redisClient, loader, catalogTTL)
		staging = infraredis.NewAnswerStaging(redisClient)
	} else {
		exams = memory.NewExamRepository(loader, catalogTTL)
		staging = memory.NewAnswerStaging()
	}

	attemptService := app.NewAttemptService(exams, attempts, staging,
		app.WithStagingRetention(config.TTLDuration(cfg.Attempts.StagingRetention, 7*24*time.Hour)),
		app.WithSubmitGrace(config.TTLDuration(cfg.Attempts.SubmitGrace, 5*time.Second)),
	)
	rankingService := app.NewRankingService(exams, attempts)

	router := transport.NewRouter(
		transport.NewHandler(attemptService, rankingService),
		transport.NewAttemptSocket(attemptService, time.Second),
		transport.NewAuthenticator(cfg.Auth.JWTSecret),
	)
	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret not set, trusting X-User-ID / X-User-Role headers")
	}

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting simulado service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleExams seeds the in-memory catalog when no database is configured.
func sampleExams() map[string]domain.ExamDefinition {
	factor := 4
	return map[string]domain.ExamDefinition{
		"simulado-1": {
			ID:               "simulado-1",
			Title:            "Simulado CEBRASPE - Noções de Informática",
			DurationMinutes:  30,
			CorrectionFactor: &factor,
			AllowRetake:      true,
			ShowRanking:      true,
			Questions: []domain.QuestionRef{
				{Position: 1, QuestionID: "inf-001", AnswerKey: "C"},
				{Position: 2, QuestionID: "inf-002", AnswerKey: "E"},
				{Position: 3, QuestionID: "inf-003", AnswerKey: "E"},
				{Position: 4, QuestionID: "inf-004", AnswerKey: "C"},
				{Position: 5, QuestionID: "inf-005", AnswerKey: "C"},
			},
		},
	}
}

func sampleUsers() []domain.User {
	return []domain.User{
		{ID: "u1", Name: "Ana Souza", Email: "ana@example.com"},
		{ID: "u2", Name: "Bruno Lima", Email: "bruno@example.com"},
	}
}
