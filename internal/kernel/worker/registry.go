package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	commonredis "github.com/noetl/orchestrator/common/redis"
)

// Registration is what a worker announces on startup and refreshes on
// every heartbeat.
type Registration struct {
	WorkerID   string     `json:"worker_id"`
	PoolName   string     `json:"pool_name"`
	System     SystemInfo `json:"system"`
	StartedAt  time.Time  `json:"started_at"`
	LastBeatAt time.Time  `json:"last_beat_at"`
}

// Registry tracks which workers are currently alive for a pool, the
// collaborator API §6 calls "Registration/heartbeat/deregistration".
type Registry interface {
	Register(ctx context.Context, reg Registration) error
	Heartbeat(ctx context.Context, poolName, workerID string) error
	Deregister(ctx context.Context, poolName, workerID string) error
	List(ctx context.Context, poolName string) ([]Registration, error)
}

const registryTTL = 30 * time.Second

// RedisRegistry keys each worker's registration as a hash field with a
// refreshed TTL on the whole key, so a worker that stops heartbeating
// silently expires out of List within one TTL window, routed through
// common/redis.Client for the same logged access every other Redis
// collaborator in this package uses.
type RedisRegistry struct {
	client *commonredis.Client
}

func NewRedisRegistry(client *commonredis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func registryKey(poolName string) string {
	return fmt.Sprintf("noetl.workers.%s", poolName)
}

func (r *RedisRegistry) Register(ctx context.Context, reg Registration) error {
	reg.StartedAt = timeNow()
	reg.LastBeatAt = reg.StartedAt
	return r.store(ctx, reg)
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, poolName, workerID string) error {
	key := registryKey(poolName)
	raw, err := r.client.GetUnderlying().HGet(ctx, key, workerID).Result()
	if err == goredis.Nil {
		return r.store(ctx, Registration{WorkerID: workerID, PoolName: poolName, StartedAt: timeNow(), LastBeatAt: timeNow()})
	}
	if err != nil {
		return err
	}
	var reg Registration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return err
	}
	reg.LastBeatAt = timeNow()
	return r.store(ctx, reg)
}

func (r *RedisRegistry) store(ctx context.Context, reg Registration) error {
	encoded, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	key := registryKey(reg.PoolName)
	if err := r.client.SetHash(ctx, key, reg.WorkerID, string(encoded)); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, registryTTL)
}

func (r *RedisRegistry) Deregister(ctx context.Context, poolName, workerID string) error {
	return r.client.DeleteHashField(ctx, registryKey(poolName), workerID)
}

func (r *RedisRegistry) List(ctx context.Context, poolName string) ([]Registration, error) {
	raw, err := r.client.GetAllHash(ctx, registryKey(poolName))
	if err != nil {
		return nil, err
	}
	out := make([]Registration, 0, len(raw))
	for _, v := range raw {
		var reg Registration
		if err := json.Unmarshal([]byte(v), &reg); err != nil {
			continue
		}
		if timeNow().Sub(reg.LastBeatAt) > registryTTL {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

// timeNow is a seam so tests can't accidentally depend on wall-clock
// ordering; production always uses time.Now.
var timeNow = time.Now

// MemoryRegistry is the in-process Registry the interpreter uses.
type MemoryRegistry struct {
	byPool map[string]map[string]Registration
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byPool: make(map[string]map[string]Registration)}
}

func (r *MemoryRegistry) Register(ctx context.Context, reg Registration) error {
	reg.StartedAt = timeNow()
	reg.LastBeatAt = reg.StartedAt
	r.put(reg)
	return nil
}

func (r *MemoryRegistry) Heartbeat(ctx context.Context, poolName, workerID string) error {
	pool, ok := r.byPool[poolName]
	if !ok {
		return r.Register(ctx, Registration{WorkerID: workerID, PoolName: poolName})
	}
	reg, ok := pool[workerID]
	if !ok {
		return r.Register(ctx, Registration{WorkerID: workerID, PoolName: poolName})
	}
	reg.LastBeatAt = timeNow()
	r.put(reg)
	return nil
}

func (r *MemoryRegistry) put(reg Registration) {
	pool, ok := r.byPool[reg.PoolName]
	if !ok {
		pool = make(map[string]Registration)
		r.byPool[reg.PoolName] = pool
	}
	pool[reg.WorkerID] = reg
}

func (r *MemoryRegistry) Deregister(ctx context.Context, poolName, workerID string) error {
	if pool, ok := r.byPool[poolName]; ok {
		delete(pool, workerID)
	}
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context, poolName string) ([]Registration, error) {
	pool, ok := r.byPool[poolName]
	if !ok {
		return nil, nil
	}
	out := make([]Registration, 0, len(pool))
	for _, reg := range pool {
		out = append(out, reg)
	}
	return out, nil
}
