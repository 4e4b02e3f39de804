// Package cachestore implements spec §4.C's cache/metrics store
// gateway: the response cache, the install/download/active metrics
// counters, and active-label tracking, all backed by Redis because the
// specification calls for "a key/value store supporting hashes and
// atomic counters" — exactly Redis's HSET/HINCRBY primitives. Grounded
// on storj-storj's direct dependency on github.com/go-redis/redis
// (upgraded here to the maintained v8 import path for context support).
//
// Every method here is meant to be called from a context where the
// caller decides how to treat failure: per spec §4.C these operations
// are "best-effort from the caller's perspective" and must never block
// the core request path on their own.
package cachestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/resolver"
)

// Status is one of the counter families from spec §3/§4.C.
type Status string

const (
	Downloaded          Status = "Downloaded"
	DeploymentSucceeded Status = "DeploymentSucceeded"
	DeploymentFailed    Status = "DeploymentFailed"
	Active              Status = "Active"
)

// Gateway is the cache/metrics store contract of spec §4.C.
type Gateway interface {
	GetCached(ctx context.Context, deploymentKeyHash, url string) (*resolver.UpdateCheckCacheResponse, error)
	SetCached(ctx context.Context, deploymentKeyHash, url string, resp resolver.UpdateCheckCacheResponse) error
	Invalidate(ctx context.Context, deploymentKeyHash string) error

	IncrementLabel(ctx context.Context, deploymentKey, label string, status Status) error
	ClearMetrics(ctx context.Context, deploymentKey string) error
	LabelCounts(ctx context.Context, deploymentKey string) (map[string]map[Status]int64, error)

	UpdateActiveAppForClient(ctx context.Context, deploymentKey, clientUniqueID, newLabel, oldLabel string) error
	RemoveDeploymentKeyClientActiveLabel(ctx context.Context, deploymentKey, clientUniqueID string) error
	ActiveLabelForClient(ctx context.Context, deploymentKey, clientUniqueID string) (string, error)

	HealthCheck(ctx context.Context) error
}

// RedisGateway is the Gateway backed by a real (or miniredis) Redis
// server.
type RedisGateway struct {
	client *redis.Client

	updateActiveScript *redis.Script
	removeActiveScript *redis.Script
}

// NewRedisGateway wraps client with the cache/metrics gateway contract.
func NewRedisGateway(client *redis.Client) *RedisGateway {
	return &RedisGateway{
		client:             client,
		updateActiveScript: redis.NewScript(updateActiveLua),
		removeActiveScript: redis.NewScript(removeActiveLua),
	}
}

func cacheHashKey(deploymentKeyHash string) string {
	return "pushd:cache:" + deploymentKeyHash
}

func metricsHashKey(deploymentKey string) string {
	return "pushd:metrics:" + deploymentKey
}

func activeHashKey(deploymentKey string) string {
	return "pushd:active:" + deploymentKey
}

func metricsField(label string, status Status) string {
	return label + ":" + string(status)
}

// GetCached returns the cached response for (deploymentKeyHash, url), or
// nil with no error on a cache miss.
func (g *RedisGateway) GetCached(ctx context.Context, deploymentKeyHash, url string) (*resolver.UpdateCheckCacheResponse, error) {
	raw, err := g.client.HGet(ctx, cacheHashKey(deploymentKeyHash), url).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ConnectionFailed, err)
	}

	var resp resolver.UpdateCheckCacheResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, apperr.Wrap(apperr.Other, err)
	}
	return &resp, nil
}

// SetCached stores resp for (deploymentKeyHash, url). Cache entries are
// immutable: staleness is prevented exclusively by Invalidate, never by
// TTL, per spec §4.C.
func (g *RedisGateway) SetCached(ctx context.Context, deploymentKeyHash, url string, resp resolver.UpdateCheckCacheResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return apperr.Wrap(apperr.Other, err)
	}
	if err := g.client.HSet(ctx, cacheHashKey(deploymentKeyHash), url, raw).Err(); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// Invalidate purges every cached entry under deploymentKeyHash.
func (g *RedisGateway) Invalidate(ctx context.Context, deploymentKeyHash string) error {
	if err := g.client.Del(ctx, cacheHashKey(deploymentKeyHash)).Err(); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// IncrementLabel increments the named counter for (deploymentKey, label).
func (g *RedisGateway) IncrementLabel(ctx context.Context, deploymentKey, label string, status Status) error {
	if err := g.client.HIncrBy(ctx, metricsHashKey(deploymentKey), metricsField(label, status), 1).Err(); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// ClearMetrics deletes every counter for deploymentKey.
func (g *RedisGateway) ClearMetrics(ctx context.Context, deploymentKey string) error {
	if err := g.client.Del(ctx, metricsHashKey(deploymentKey)).Err(); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// LabelCounts returns every counter for deploymentKey, grouped by label,
// for the management surface's metrics endpoint.
func (g *RedisGateway) LabelCounts(ctx context.Context, deploymentKey string) (map[string]map[Status]int64, error) {
	raw, err := g.client.HGetAll(ctx, metricsHashKey(deploymentKey)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.ConnectionFailed, err)
	}

	out := map[string]map[Status]int64{}
	for field, val := range raw {
		label, status, ok := splitMetricsField(field)
		if !ok {
			continue
		}
		var n int64
		if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
			continue
		}
		if out[label] == nil {
			out[label] = map[Status]int64{}
		}
		out[label][status] = n
	}
	return out, nil
}

func splitMetricsField(field string) (label string, status Status, ok bool) {
	for i := len(field) - 1; i >= 0; i-- {
		if field[i] == ':' {
			return field[:i], Status(field[i+1:]), true
		}
	}
	return "", "", false
}

// updateActiveLua atomically decrements Active for the client's previous
// label (if any) and increments it for the new label, then records the
// new label as the client's current active label. KEYS[1]=active hash,
// KEYS[2]=metrics hash; ARGV[1]=clientUniqueID, ARGV[2]=newLabel,
// ARGV[3]=oldLabel (may be empty).
const updateActiveLua = `
if ARGV[3] ~= "" then
  redis.call("HINCRBY", KEYS[2], ARGV[3] .. ":Active", -1)
end
redis.call("HINCRBY", KEYS[2], ARGV[2] .. ":Active", 1)
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`

// removeActiveLua decrements Active for whatever label the client was
// last recorded on and clears that record. KEYS[1]=active hash,
// KEYS[2]=metrics hash; ARGV[1]=clientUniqueID.
const removeActiveLua = `
local label = redis.call("HGET", KEYS[1], ARGV[1])
if label then
  redis.call("HINCRBY", KEYS[2], label .. ":Active", -1)
  redis.call("HDEL", KEYS[1], ARGV[1])
end
return label
`

// UpdateActiveAppForClient implements spec §4.C's active-label tracking:
// atomically moves the client's active count from oldLabel to newLabel.
func (g *RedisGateway) UpdateActiveAppForClient(ctx context.Context, deploymentKey, clientUniqueID, newLabel, oldLabel string) error {
	keys := []string{activeHashKey(deploymentKey), metricsHashKey(deploymentKey)}
	if err := g.updateActiveScript.Run(ctx, g.client, keys, clientUniqueID, newLabel, oldLabel).Err(); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// RemoveDeploymentKeyClientActiveLabel decrements Active for the
// client's recorded label, without recording a replacement.
func (g *RedisGateway) RemoveDeploymentKeyClientActiveLabel(ctx context.Context, deploymentKey, clientUniqueID string) error {
	keys := []string{activeHashKey(deploymentKey), metricsHashKey(deploymentKey)}
	// A client with no recorded label makes the script return a nil
	// reply (redis.Nil), which is a no-op rather than a failure.
	if err := g.removeActiveScript.Run(ctx, g.client, keys, clientUniqueID).Err(); err != nil && err != redis.Nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

// ActiveLabelForClient returns the label a client is currently recorded
// as active on, or "" if none is recorded. Used by the legacy
// reportStatusDeploy protocol to detect whether a client's active label
// actually changed before patching counters.
func (g *RedisGateway) ActiveLabelForClient(ctx context.Context, deploymentKey, clientUniqueID string) (string, error) {
	label, err := g.client.HGet(ctx, activeHashKey(deploymentKey), clientUniqueID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return label, nil
}

// HealthCheck confirms the Redis connection is reachable.
func (g *RedisGateway) HealthCheck(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}
