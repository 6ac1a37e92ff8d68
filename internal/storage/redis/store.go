// Package redis is a ports.RunStore backed by Redis, for deployments where
// several replicas share one run history.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "graphide".
	Prefix string
	// TTL expires stored runs; zero keeps them forever.
	TTL time.Duration
}

// Store keeps each run as a JSON string, an index sorted by creation time,
// and one list of events per run.
type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ ports.RunStore = (*Store)(nil)

// New connects to Redis.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "graphide"
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) runKey(id string) string    { return s.prefix + ":run:" + id }
func (s *Store) eventsKey(id string) string { return s.prefix + ":events:" + id }
func (s *Store) indexKey() string           { return s.prefix + ":runs" }

func (s *Store) SaveRun(ctx context.Context, run *domain.Run) error {
	document, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.runKey(run.ID), document, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, domain.ErrRunExists)
	}

	score := float64(run.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.indexKey(), goredis.Z{Score: score, Member: run.ID}).Err(); err != nil {
		return fmt.Errorf("index run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	document, err := s.client.Get(ctx, s.runKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(document, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.RunSummary, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.RunSummary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}

	var (
		result  []*domain.RunSummary
		expired []any
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Expired by TTL; drop it from the index.
			expired = append(expired, ids[i])
			continue
		}
		var run domain.Run
		if err := json.Unmarshal([]byte(str), &run); err != nil {
			return nil, fmt.Errorf("unmarshal run %s: %w", ids[i], err)
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		result = append(result, run.Summary())
	}
	if len(expired) > 0 {
		s.client.ZRem(ctx, s.indexKey(), expired...)
	}

	start := opts.Offset
	if start >= len(result) {
		return []*domain.RunSummary{}, nil
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.RunEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := s.eventsKey(event.RunID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, b)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]*domain.RunEvent, 0, len(raw))
	for i, r := range raw {
		var ev domain.RunEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event %d: %w", i, err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
