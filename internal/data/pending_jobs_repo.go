package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/loadrun-api/internal/core"
)

// Redis key layout for job tracking.
const (
	pendingKeyPrefix = "loadrun:pending:"
	jobChannelPrefix = "loadrun:job:"
	scopeKeyPrefix   = "loadrun:scope:"
)

// RedisPendingJobsRepo implements the pending-jobs cache, the per-job
// pub/sub channel, and the writer-channel scope routing cache on Redis.
type RedisPendingJobsRepo struct {
	client redis.UniversalClient
}

var (
	_ core.PendingJobs = (*RedisPendingJobsRepo)(nil)
	_ core.ScopeCache  = (*RedisPendingJobsRepo)(nil)
)

// NewRedisPendingJobsRepo creates a repo backed by the given Redis client.
func NewRedisPendingJobsRepo(client redis.UniversalClient) *RedisPendingJobsRepo {
	return &RedisPendingJobsRepo{client: client}
}

func pendingKey(jobID string) string { return pendingKeyPrefix + jobID }
func jobChannel(jobID string) string { return jobChannelPrefix + jobID }

func scopeKey(key core.ScopeKey) string {
	return scopeKeyPrefix + key.Scope + ":" + key.JobID + ":" + string(key.Agent)
}

// Refresh sets hash fields for a pending job. Concurrent refreshes are
// last-write-wins per field.
func (r *RedisPendingJobsRepo) Refresh(ctx context.Context, jobID string, fields map[string]string) error {
	if jobID == "" {
		return errors.New("job id cannot be empty")
	}
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := r.client.HSet(ctx, pendingKey(jobID), args...).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// Snapshot returns all hash fields for a job; unknown jobs yield an empty
// map.
func (r *RedisPendingJobsRepo) Snapshot(ctx context.Context, jobID string) (map[string]string, error) {
	if jobID == "" {
		return nil, errors.New("job id cannot be empty")
	}
	fields, err := r.client.HGetAll(ctx, pendingKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	return fields, nil
}

// Remove deletes the pending entry for a job. Removing an absent job is a
// no-op.
func (r *RedisPendingJobsRepo) Remove(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id cannot be empty")
	}
	if err := r.client.Del(ctx, pendingKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Subscribe opens the per-job pub/sub channel.
func (r *RedisPendingJobsRepo) Subscribe(ctx context.Context, jobID string) (core.JobSubscription, error) {
	if jobID == "" {
		return nil, errors.New("job id cannot be empty")
	}
	pubsub := r.client.Subscribe(ctx, jobChannel(jobID))
	// Force the subscription to be established before returning so no
	// events published after Subscribe are missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", jobID, err)
	}

	sub := &redisJobSubscription{
		pubsub: pubsub,
		events: make(chan []byte),
	}
	go sub.pump()
	return sub, nil
}

// Publish sends a raw payload on the per-job channel. Used by the bus
// producers and by integration tests.
func (r *RedisPendingJobsRepo) Publish(ctx context.Context, jobID string, payload []byte) error {
	if jobID == "" {
		return errors.New("job id cannot be empty")
	}
	if err := r.client.Publish(ctx, jobChannel(jobID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Health checks the health of the Redis connection.
func (r *RedisPendingJobsRepo) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RegisterScope stores a short-lived routing entry for a live writer
// channel.
func (r *RedisPendingJobsRepo) RegisterScope(ctx context.Context, key core.ScopeKey, scopeID string, ttl time.Duration) error {
	if scopeID == "" {
		return errors.New("scope id cannot be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := r.client.Set(ctx, scopeKey(key), scopeID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set scope: %w", err)
	}
	return nil
}

// LookupScope resolves a routing entry; missing entries return empty string.
func (r *RedisPendingJobsRepo) LookupScope(ctx context.Context, key core.ScopeKey) (string, error) {
	scopeID, err := r.client.Get(ctx, scopeKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis get scope: %w", err)
	}
	return scopeID, nil
}

// DropScope removes a routing entry. Dropping an absent entry is a no-op.
func (r *RedisPendingJobsRepo) DropScope(ctx context.Context, key core.ScopeKey) error {
	if err := r.client.Del(ctx, scopeKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del scope: %w", err)
	}
	return nil
}

// redisJobSubscription adapts a go-redis PubSub to core.JobSubscription.
type redisJobSubscription struct {
	pubsub *redis.PubSub
	events chan []byte
}

func (s *redisJobSubscription) pump() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		s.events <- []byte(msg.Payload)
	}
}

// Events yields raw bus payloads until the subscription closes.
func (s *redisJobSubscription) Events() <-chan []byte {
	return s.events
}

// Close unsubscribes and releases the subscription.
func (s *redisJobSubscription) Close() error {
	return s.pubsub.Close()
}
