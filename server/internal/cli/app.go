package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"edu-vision/server/internal/config"
	"edu-vision/server/internal/credential"
	"edu-vision/server/internal/domain"
	"edu-vision/server/internal/gateway"
	"edu-vision/server/internal/llm"
	"edu-vision/server/internal/logger"
	"edu-vision/server/internal/orchestrator"
	"edu-vision/server/internal/prompt"
	"edu-vision/server/internal/session"
	"edu-vision/server/internal/timeline"
)

// app 是一次进程内的完整装配，serve 与 chat 共用。
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	keys   *credential.KeyRing
	gemini *llm.GeminiClient
	hub    *gateway.Hub
	orch   *orchestrator.Orchestrator

	redis *redis.Client
}

// newApp 按配置装配存储、后端与编排器。backend 为空时使用 Gemini。
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger, backend llm.Backend) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var (
		store    session.Store
		timeLine timeline.Store
	)
	switch cfg.Session.Store {
	case config.StoreRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Session.Redis.Addr, err)
		}
		store = session.NewRedisStore(a.redis, cfg.Session.Redis.TTL)
		timeLine = timeline.NewRedisStore(a.redis, cfg.Session.Redis.TTL)
		log.Info("[App] using redis session store", "addr", cfg.Session.Redis.Addr)
	default:
		store = session.NewInMemoryStore()
		timeLine = timeline.NewInMemoryStore()
		log.Info("[App] using in-memory session store")
	}

	prompts := prompt.Default()
	if cfg.Paths.Persona != "" {
		b, err := prompt.NewBuilder(cfg.Paths.Persona)
		if err != nil {
			a.Close()
			return nil, err
		}
		prompts = b
	}

	catalog := domain.DefaultCatalog()
	if cfg.Paths.Catalog != "" {
		c, err := domain.LoadCatalog(cfg.Paths.Catalog)
		if err != nil {
			a.Close()
			return nil, err
		}
		catalog = c
	}

	a.keys = credential.NewKeyRing(cfg.Gemini.APIKey, cfg.Gemini.KeyFile)
	if a.keys.APIKey() == "" {
		log.Warn("[App] no API key configured; set GEMINI_API_KEY or select one via /api/credentials")
	}
	a.gemini = llm.NewGeminiClient(cfg.Gemini, a.keys)
	if backend == nil {
		backend = a.gemini
	}

	a.hub = gateway.NewHub(0, log)
	a.orch = orchestrator.New(orchestrator.Deps{
		Store:     store,
		Timeline:  timeLine,
		Backend:   backend,
		Auth:      a.keys,
		Prompts:   prompts,
		Catalog:   &catalog,
		Publisher: a.hub,
		Logger:    log,
		Config: orchestrator.Config{
			ImageBonus:     cfg.Gamification.ImageBonus,
			VideoBonus:     cfg.Gamification.VideoBonus,
			PollInterval:   cfg.Video.PollInterval,
			MaxPolls:       cfg.Video.MaxPolls,
			WelcomeMessage: cfg.Session.WelcomeMessage,
		},
	})
	return a, nil
}

// Close 释放外部连接。
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("[App] close redis", "error", err)
		}
	}
	a.log.Sync()
}
