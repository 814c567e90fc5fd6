package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/cache"
	"github.com/yourusername/ollama-workshop/internal/config"
	"github.com/yourusername/ollama-workshop/internal/documents"
	"github.com/yourusername/ollama-workshop/internal/embedding"
	"github.com/yourusername/ollama-workshop/internal/events"
	"github.com/yourusername/ollama-workshop/internal/jobs"
	"github.com/yourusername/ollama-workshop/internal/ollama"
	"github.com/yourusername/ollama-workshop/internal/prompts"
	"github.com/yourusername/ollama-workshop/internal/ragsystems"
	"github.com/yourusername/ollama-workshop/internal/storage"
	"github.com/yourusername/ollama-workshop/internal/tools"
	"github.com/yourusername/ollama-workshop/internal/vectordb"
)

// server はAPIサーバーが依存するコンポーネントをまとめたものです。
type server struct {
	cfg    *config.Config
	logger zerolog.Logger

	db        *gorm.DB
	redis     *redis.Client
	runner    *jobs.Runner
	publisher events.Publisher

	auth       *auth.Manager
	documents  *documents.Service
	vectorDBs  *vectordb.Service
	embeddings *embedding.Orchestrator
	prompts    *prompts.Service
	tools      *tools.Service
	ragSystems *ragsystems.Service
	models     *ollama.Client
}

func newServer(cfg *config.Config, logger zerolog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	if cfg.SessionSecret == "" {
		// debug モードのみ。再起動でセッションは無効になる
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		cfg.SessionSecret = string(secret)
		logger.Warn().Msg("SESSION_SECRET is not set, using a random secret")
	}

	db, err := storage.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	s.db = db
	if err := storage.Migrate(db); err != nil {
		s.close(context.Background())
		return nil, err
	}

	s.redis = s.connectRedis()
	var readCache *cache.Cache
	if cfg.CacheEnabled {
		readCache = cache.New(s.redis, cfg.CacheTTL, logger)
	}

	s.publisher = s.connectEvents()

	runner, err := jobs.NewRunner(jobs.NewRegistry(),
		jobs.WithWorkers(cfg.TaskWorkers),
		jobs.WithQueueSize(cfg.TaskQueueSize),
		jobs.WithRetention(cfg.TaskRetention),
		jobs.WithLogger(logger),
	)
	if err != nil {
		s.close(context.Background())
		return nil, err
	}
	s.runner = runner

	s.auth = auth.NewManager(cfg, db, logger)
	s.documents = documents.NewService(db, readCache, logger)
	s.vectorDBs = vectordb.NewService(db, readCache, logger)
	s.embeddings = embedding.NewOrchestrator(db, runner, s.documents, readCache, s.publisher, logger)
	s.prompts = prompts.NewService(db, readCache, logger)
	s.tools = tools.NewService(db, readCache, logger)
	s.ragSystems = ragsystems.NewService(db, readCache, logger)
	s.models = ollama.NewClient(cfg.OllamaAPIURL, cfg.UpstreamTimeout, logger)

	return s, nil
}

// connectRedis は Redis クライアントを作成します。接続できなくても起動は続け、キャッシュとレート制限は素通しになります。
func (s *server) connectRedis() *redis.Client {
	if s.cfg.RedisURL == "" {
		return nil
	}
	opt, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid REDIS_URL, cache and rate limiting are disabled")
		return nil
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("redis is not reachable")
	}
	return client
}

func (s *server) connectEvents() events.Publisher {
	if s.cfg.RabbitMQURL == "" {
		return events.Nop{}
	}
	publisher, err := events.NewRabbitPublisher(s.cfg.RabbitMQURL, s.cfg.EventsExchange)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rabbitmq is not reachable, job events are disabled")
		return events.Nop{}
	}
	return publisher
}

// close は実行中のタスクを ctx の期限まで待ってから各接続を閉じます。
func (s *server) close(ctx context.Context) {
	if s.runner != nil {
		if err := s.runner.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("background tasks did not finish before shutdown")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close event publisher")
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		if err := storage.Close(s.db); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close database")
		}
	}
}
