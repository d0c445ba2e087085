// Package staging provides the Redis-backed handoff between pipeline stages.
// Each run owns one hash; each stage writes one field holding a typed dataset.
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotStaged = errors.New("dataset not staged")

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(redisAddr string, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client: client,
		ttl:    ttl,
	}, nil
}

func runKey(runID string) string {
	return "etl:staging:" + runID
}

// Put durably stores v as the output of stage for the given run. A repeated Put
// for the same stage replaces the previous dataset.
func (s *Store) Put(ctx context.Context, runID, stage string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s dataset: %w", stage, err)
	}

	key := runKey(runID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, stage, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to stage %s dataset: %w", stage, err)
	}

	return nil
}

// Get decodes the dataset staged by stage into v.
func (s *Store) Get(ctx context.Context, runID, stage string, v any) error {
	data, err := s.client.HGet(ctx, runKey(runID), stage).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: run %s stage %s", ErrNotStaged, runID, stage)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s dataset: %w", stage, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s dataset: %w", stage, err)
	}

	return nil
}

// Stages lists the stages that have staged output for a run.
func (s *Store) Stages(ctx context.Context, runID string) ([]string, error) {
	stages, err := s.client.HKeys(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(stages)
	return stages, nil
}

// Drop removes everything staged for a run.
func (s *Store) Drop(ctx context.Context, runID string) error {
	return s.client.Del(ctx, runKey(runID)).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
