package serverstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/qmaster/internal/redisx"
)

const redisKey = "qmaster:state"

// opTimeout bounds each Redis round trip; the state API must not hang on a
// slow Redis.
const opTimeout = 2 * time.Second

type redisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to the given Redis URL. The key is initialized to
// not_ready if it does not exist yet.
func NewRedisStore(addr string) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	c, err := redisx.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	b, _ := json.Marshal(State{Status: StatusNotReady})
	_ = c.SetNX(ctx, redisKey, b, 0).Err()
	return &redisStore{client: c, key: redisKey}, nil
}

func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: StatusNotReady}
		}
		return State{Status: StatusUnknown}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: StatusUnknown}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_ = r.client.Set(ctx, r.key, b, 0).Err()
}
