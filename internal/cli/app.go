package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/kindred/internal/config"
	"github.com/lazypower/kindred/internal/engine"
	"github.com/lazypower/kindred/internal/index"
	"github.com/lazypower/kindred/internal/llm"
	"github.com/lazypower/kindred/internal/lock"
	"github.com/lazypower/kindred/internal/logging"
	"github.com/lazypower/kindred/internal/store"
)

// app bundles everything a command needs. close releases it in reverse
// order of construction.
type app struct {
	cfg    config.Config
	db     *store.DB
	engine *engine.Engine
	log    *zap.Logger
	closer []func()
}

func (a *app) close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i]()
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openDB opens the configured database. KINDRED_DB overrides the path.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	return store.Open(dbPath)
}

// newApp loads config and wires the engine with its ports. withServices also
// attaches the vector index and the redis lock, which only pay off in a
// long-running process.
func newApp(ctx context.Context, withServices bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	a.closer = append(a.closer, func() { log.Sync() })

	db, err := openDB(cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closer = append(a.closer, func() { db.Close() })

	client, err := llm.NewClient(cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrDisabled):
		client = nil
	case err != nil:
		log.Warn("completion provider unavailable", zap.Error(err))
		client = nil
	}

	opts := engine.OptionsFromConfig(cfg.Memory)
	opts.LockTTL = cfg.Redis.LockTTLDuration()
	eng := engine.New(db, client, opts, log)

	emb, err := engine.NewEmbedder(cfg.Embedding, cfg.Cache, log)
	if err != nil {
		log.Warn("embedder unavailable, retrieval falls back to recency", zap.Error(err))
	} else if emb != nil {
		eng.SetEmbedder(emb)
	}

	if withServices {
		if cfg.Index.Backend == "chromem" {
			eng.SetIndex(index.NewChromem())
		}
		if cfg.Redis.URL != "" {
			rl, err := lock.NewRedis(ctx, cfg.Redis.URL)
			if err != nil {
				log.Warn("redis lock unavailable, using in-process lock", zap.Error(err))
			} else {
				eng.SetLocker(rl)
				a.closer = append(a.closer, func() { rl.Close() })
			}
		}
	}

	a.engine = eng
	a.closer = append(a.closer, eng.Stop)
	return a, nil
}
