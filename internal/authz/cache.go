package authz

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the read-through cache in front of the relational stores. Collection
// projections are refreshed only on explicit invalidation and carry no TTL;
// field-level lookups expire with a jittered TTL so a deploy does not produce a
// thundering herd of simultaneous rebuilds.
//
// Every method treats Redis failures as a miss: the source of truth stays in
// PostgreSQL and a failed cache write must never fail the mutation that
// already committed.
type Store struct {
	client   *redis.Client
	keys     KeyBuilder
	logger   *slog.Logger
	fieldTTL time.Duration
}

// NewStore constructs a cache store.
func NewStore(client *redis.Client, keys KeyBuilder, logger *slog.Logger, fieldTTL time.Duration) *Store {
	if fieldTTL <= 0 {
		fieldTTL = 15 * time.Minute
	}
	return &Store{client: client, keys: keys, logger: logger, fieldTTL: fieldTTL}
}

// Keys exposes the key builder for collaborators sharing the namespace.
func (s *Store) Keys() KeyBuilder {
	return s.keys
}

// GetRoleProjections returns the cached role projection collection.
func (s *Store) GetRoleProjections(ctx context.Context) (map[int64]RoleProjection, bool) {
	var out map[int64]RoleProjection
	if !s.get(ctx, s.keys.RolesPermissions(), &out) {
		recordCacheMiss(collectionRolesPermissions)
		return nil, false
	}
	recordCacheHit(collectionRolesPermissions)
	return out, true
}

// SetRoleProjections stores the role projection collection without expiry.
func (s *Store) SetRoleProjections(ctx context.Context, projections map[int64]RoleProjection) {
	s.set(ctx, s.keys.RolesPermissions(), projections, 0)
}

// GetGroupProjections returns the cached group projection collection.
func (s *Store) GetGroupProjections(ctx context.Context) (map[int64]GroupProjection, bool) {
	var out map[int64]GroupProjection
	if !s.get(ctx, s.keys.GroupsPermissions(), &out) {
		recordCacheMiss(collectionGroupsPermissions)
		return nil, false
	}
	recordCacheHit(collectionGroupsPermissions)
	return out, true
}

// SetGroupProjections stores the group projection collection without expiry.
func (s *Store) SetGroupProjections(ctx context.Context, projections map[int64]GroupProjection) {
	s.set(ctx, s.keys.GroupsPermissions(), projections, 0)
}

// GetPermissionCatalog returns the cached permission catalog.
func (s *Store) GetPermissionCatalog(ctx context.Context) (map[int64]Permission, bool) {
	var out map[int64]Permission
	if !s.get(ctx, s.keys.SystemPermissions(), &out) {
		recordCacheMiss(collectionSystemPermissions)
		return nil, false
	}
	recordCacheHit(collectionSystemPermissions)
	return out, true
}

// SetPermissionCatalog stores the permission catalog without expiry.
func (s *Store) SetPermissionCatalog(ctx context.Context, catalog map[int64]Permission) {
	s.set(ctx, s.keys.SystemPermissions(), catalog, 0)
}

// GetDescendants returns the cached descendant-closure snapshot.
func (s *Store) GetDescendants(ctx context.Context) (map[int64][]int64, bool) {
	var out map[int64][]int64
	if !s.get(ctx, s.keys.RoleDescendants(), &out) {
		recordCacheMiss(collectionRoleDescendants)
		return nil, false
	}
	recordCacheHit(collectionRoleDescendants)
	return out, true
}

// SetDescendants stores the full closure snapshot in one write so every role's
// entry comes from the same recompute pass.
func (s *Store) SetDescendants(ctx context.Context, closure map[int64][]int64) {
	s.set(ctx, s.keys.RoleDescendants(), closure, 0)
}

// EvictRoleProjections drops the role projection collection.
func (s *Store) EvictRoleProjections(ctx context.Context) {
	s.evict(ctx, s.keys.RolesPermissions())
}

// EvictGroupProjections drops the group projection collection.
func (s *Store) EvictGroupProjections(ctx context.Context) {
	s.evict(ctx, s.keys.GroupsPermissions())
}

// EvictPermissionCatalog drops the permission catalog.
func (s *Store) EvictPermissionCatalog(ctx context.Context) {
	s.evict(ctx, s.keys.SystemPermissions())
}

// EvictDescendants drops the closure snapshot and reports whether an entry
// actually existed, so callers can skip a redundant recompute.
func (s *Store) EvictDescendants(ctx context.Context) bool {
	deleted, err := s.client.Del(ctx, s.keys.RoleDescendants()).Result()
	if err != nil {
		s.logWarn("cache evict failed", s.keys.RoleDescendants(), err)
		return true
	}
	return deleted > 0
}

// GetField reads an expiring single-field lookup.
func (s *Store) GetField(ctx context.Context, collection, field string, target any) bool {
	return s.get(ctx, s.keys.Field(collection, field), target)
}

// SetField writes an expiring single-field lookup with a jittered TTL.
func (s *Store) SetField(ctx context.Context, collection, field string, value any) {
	s.set(ctx, s.keys.Field(collection, field), value, s.jitteredTTL())
}

// EvictField drops a single-field lookup.
func (s *Store) EvictField(ctx context.Context, collection, field string) {
	s.evict(ctx, s.keys.Field(collection, field))
}

func (s *Store) get(ctx context.Context, key string, target any) bool {
	payload, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logWarn("cache read failed", key, err)
		}
		return false
	}
	if err := json.Unmarshal(payload, target); err != nil {
		s.logWarn("cache entry corrupt", key, err)
		s.evict(ctx, key)
		return false
	}
	return true
}

func (s *Store) set(ctx context.Context, key string, value any, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		s.logWarn("cache encode failed", key, err)
		return
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		s.logWarn("cache write failed", key, err)
	}
}

func (s *Store) evict(ctx context.Context, key string) {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logWarn("cache evict failed", key, err)
	}
}

// jitteredTTL spreads expiries between 100% and 150% of the base TTL.
func (s *Store) jitteredTTL() time.Duration {
	return s.fieldTTL + time.Duration(rand.Int63n(int64(s.fieldTTL/2)+1))
}

func (s *Store) logWarn(msg, key string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.String("key", key), slog.Any("error", err))
	}
}
