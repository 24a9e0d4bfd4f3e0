package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/proto"
)

const keyPrefix = "vncrelay:session:"

// RedisStore shares the session list between relay instances behind one balancer. Each instance
// keeps a local MemoryStore as the authority for its own sessions and mirrors them to Redis with a
// TTL refreshed by Maintain, so entries of a crashed instance expire on their own.
type RedisStore struct {
	client     *redis.Client
	local      *MemoryStore
	instanceID string
	keyTTL     time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings Redis.
func NewRedisStore(addr, password string, db int, instanceID string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: rdb, local: NewMemoryStore(), instanceID: instanceID, keyTTL: 2 * time.Minute}, nil
}

func (r *RedisStore) Add(ctx context.Context, info proto.SessionInfo) error {
	info.Instance = r.instanceID
	if err := r.local.Add(ctx, info); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+info.ID, data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, id string) {
	r.local.Remove(ctx, id)
	if err := r.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		obs.Error("redis.remove_session", obs.Fields{"err": err.Error(), "id": id})
	}
}

// List returns the sessions of every instance. If Redis is unavailable the local view is returned.
func (r *RedisStore) List(ctx context.Context) ([]proto.SessionInfo, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		obs.Error("redis.scan", obs.Fields{"err": err.Error()})
		return r.local.List(ctx)
	}
	if len(keys) == 0 {
		return []proto.SessionInfo{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		obs.Error("redis.mget", obs.Fields{"err": err.Error()})
		return r.local.List(ctx)
	}
	out := make([]proto.SessionInfo, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok { // expired between SCAN and MGET
			continue
		}
		var info proto.SessionInfo
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error()})
			continue
		}
		out = append(out, info)
	}
	sortSessions(out)
	return out, nil
}

// Stats reports this instance's counters; cluster-wide totals come from Prometheus.
func (r *RedisStore) Stats() Stats { return r.local.Stats() }

// RecordFailure counts a session that never reached the open state.
func (r *RedisStore) RecordFailure() { r.local.RecordFailure() }

func (r *RedisStore) SetReady(v bool)   { r.local.SetReady(v) }
func (r *RedisStore) SetClosing(v bool) { r.local.SetClosing(v) }
func (r *RedisStore) IsReady() bool     { return r.local.IsReady() }
func (r *RedisStore) IsClosing() bool   { return r.local.IsClosing() }

// Maintain refreshes the TTL of this instance's entries until ctx is done.
func (r *RedisStore) Maintain(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *RedisStore) heartbeat(ctx context.Context) {
	sessions, _ := r.local.List(ctx)
	if len(sessions) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, s := range sessions {
		pipe.Expire(ctx, keyPrefix+s.ID, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(sessions)})
	}
}

// Close releases the Redis client.
func (r *RedisStore) Close() error { return r.client.Close() }
