package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// RedisClient is the minimal Redis surface the snapshot store needs. The
// store doesn't import a driver; cmd/proctord injects infra.GoRedisAdapter.
// Get must return an error wrapping ErrNotFound for a missing key.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisStore persists snapshots in Redis so that every pod of a
// multi-instance deployment can answer for any session.
type RedisStore struct {
	client    RedisClient
	keyPrefix string // e.g. "proctor:" to namespace keys
	ttl       time.Duration
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(client RedisClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "proctor:"
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (rs *RedisStore) sessionKey(id string) string {
	return rs.keyPrefix + "session:" + id
}

func (rs *RedisStore) assessmentKey(id string) string {
	return rs.keyPrefix + "assessment:" + id
}

// Save writes the snapshot and indexes it under its assessment.
func (rs *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := rs.client.Set(ctx, rs.sessionKey(snap.SessionID), data, rs.ttl); err != nil {
		return fmt.Errorf("redis SET session: %w", err)
	}
	if snap.AssessmentID != "" {
		if err := rs.client.SAdd(ctx, rs.assessmentKey(snap.AssessmentID), snap.SessionID); err != nil {
			slog.Warn("[RedisStore] Failed to index assessment", "assessment_id", snap.AssessmentID, "error", err)
		}
	}
	return nil
}

func (rs *RedisStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	data, err := rs.client.Get(ctx, rs.sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis GET session: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot and its index entry.
func (rs *RedisStore) Delete(ctx context.Context, sessionID string) error {
	snap, err := rs.Load(ctx, sessionID)
	if err == nil && snap.AssessmentID != "" {
		_ = rs.client.SRem(ctx, rs.assessmentKey(snap.AssessmentID), sessionID)
	}
	return rs.client.Del(ctx, rs.sessionKey(sessionID))
}

func (rs *RedisStore) ListByAssessment(ctx context.Context, assessmentID string) ([]string, error) {
	members, err := rs.client.SMembers(ctx, rs.assessmentKey(assessmentID))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

var (
	_ SnapshotStore = (*MemoryStore)(nil)
	_ SnapshotStore = (*RedisStore)(nil)
)
