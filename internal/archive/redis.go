package archive

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/qmaster/internal/query"
	"github.com/gaspardpetit/qmaster/internal/redisx"
)

// DefaultTTL is how long Redis keeps an archived record.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "qmaster:query:"

type redisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore connects to addr and stores each record as a hash that
// expires after ttl.
func NewRedisStore(ctx context.Context, addr string, ttl time.Duration) (Store, error) {
	c, err := redisx.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisStore{client: c, ttl: ttl}, nil
}

func key(id uint32) string { return keyPrefix + strconv.FormatUint(uint64(id), 10) }

func (r *redisStore) Put(ctx context.Context, rec query.View) error {
	fields := map[string]any{
		"path":       rec.Path,
		"priority":   rec.Priority,
		"pc":         rec.PC,
		"state":      rec.State,
		"reason":     rec.Reason,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.FinishedAt != nil {
		fields["finished_at"] = rec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	k := key(rec.ID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, k, fields)
	pipe.Expire(ctx, k, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive query %d: %w", rec.ID, err)
	}
	return nil
}

func (r *redisStore) Get(ctx context.Context, id uint32) (query.View, bool, error) {
	m, err := r.client.HGetAll(ctx, key(id)).Result()
	if err != nil {
		return query.View{}, false, fmt.Errorf("load query %d: %w", id, err)
	}
	if len(m) == 0 {
		return query.View{}, false, nil
	}
	rec := query.View{ID: id, Path: m["path"], State: m["state"], Reason: m["reason"]}
	if v, err := strconv.ParseUint(m["priority"], 10, 32); err == nil {
		rec.Priority = uint32(v)
	}
	if v, err := strconv.ParseUint(m["pc"], 10, 32); err == nil {
		rec.PC = uint32(v)
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["created_at"]); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["finished_at"]); err == nil {
		rec.FinishedAt = &ts
	}
	return rec, true, nil
}
