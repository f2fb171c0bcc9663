// Package store is the durable key-value area shared by the session manager,
// the orchestrator, and the AI client. Values are JSON documents; every Set
// replaces the whole record under its key.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"qapilot-mcp-server/internal/config"
)

// Persisted keys.
const (
	KeyTestingState   = "testingState"
	KeyTestStats      = "testStats"
	KeyTestLogs       = "testLogs"
	KeyLastTestReport = "lastTestReport"
	KeyTestData       = "testData"
	KeyQwenAPIKey     = "qwenApiKey"
	KeyQwenEnabled    = "qwenEnabled"
	KeyQwenStats      = "qwenStats"
)

// Backend moves raw JSON bytes in and out of a medium.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, raw []byte) error
	Remove(ctx context.Context, keys ...string) error
	Close() error
}

// Store encodes values as JSON over a Backend.
type Store struct {
	backend Backend
	name    string
}

// New wraps a backend.
func New(name string, b Backend) *Store {
	return &Store{backend: b, name: name}
}

// NewMemory returns a store that lives only as long as the process.
func NewMemory() *Store {
	return New("memory", newMemoryBackend())
}

// Open builds the store selected by cfg.Backend.
func Open(cfg config.StoreConfig) (*Store, error) {
	switch cfg.Backend {
	case "", "file":
		b, err := NewFileBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		return New("file", b), nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return New("redis", NewRedisBackend(client, cfg.RedisPrefix)), nil
	case "sqlite":
		b, err := NewSQLiteBackend(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return New("sqlite", b), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Name reports the backend kind.
func (s *Store) Name() string { return s.name }

// Get decodes the value under key into dst. It reports false when the key is absent.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		return false, fmt.Errorf("store get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set replaces the value under key.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Save(ctx, key, raw); err != nil {
		return fmt.Errorf("store set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys; absent keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.backend.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("store delete: %w", err)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// GetRaw returns the undecoded JSON under key, or nil when absent.
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	raw, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("store get %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

var errClosed = errors.New("store closed")
