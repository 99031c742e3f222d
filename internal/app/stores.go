// Package app wires configuration to the storage backends shared by the web
// server and the bot worker.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/domosclub/clubauth/internal/config"
	"github.com/domosclub/clubauth/pkg/repository"
	"github.com/domosclub/clubauth/pkg/repository/memstore"
	"github.com/domosclub/clubauth/pkg/repository/redisstore"
	"github.com/redis/go-redis/v9"
)

// Stores bundles the persistence backends selected by STORE_DRIVER.
// Login tokens and codes live in Postgres, Redis or memory; the member
// directory always lives in Postgres except in memory mode.
type Stores struct {
	Tokens  repository.AuthTokenStore
	Codes   repository.AuthCodeStore
	Members repository.MemberDirectory
	// Memory is set in memory mode so development setups can seed members.
	Memory *memstore.Store

	db    *sql.DB
	redis *redis.Client
}

// OpenStores connects to the configured backends.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory store; state is lost on restart and not shared with the bot")
		mem := memstore.New()
		return &Stores{Tokens: mem, Codes: mem, Members: mem, Memory: mem}, nil
	}

	db, err := repository.NewDB(repository.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", "host", cfg.DBHost, "name", cfg.DBName)

	s := &Stores{
		Members: repository.NewMembersRepository(db),
		db:      db,
	}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		s.Tokens = repository.NewAuthTokensRepository(db)
		s.Codes = repository.NewAuthCodesRepository(db)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			db.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		store := redisstore.New(client, cfg.RedisPrefix, cfg.SweepRetention)
		s.Tokens = store
		s.Codes = store
		s.redis = client
	default:
		db.Close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return s, nil
}

// Ping checks that every backend is reachable.
func (s *Stores) Ping(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases all connections.
func (s *Stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// NewLogger returns the JSON logger used by every binary. LOG_LEVEL selects
// debug, info, warn or error.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
