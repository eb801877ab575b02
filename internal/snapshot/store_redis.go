package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each snapshot under its own key. Resumable broadcast ids
// live in a set; finished ones in a sorted set scored by save time (unix ms),
// which the retention sweep reads.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "voicecast:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) key(id string) string { return r.prefix + "snapshot:" + id }
func (r *RedisStore) resumableKey() string { return r.prefix + "snapshots:resumable" }
func (r *RedisStore) finishedKey() string  { return r.prefix + "snapshots:finished" }

func (r *RedisStore) Save(ctx context.Context, s Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", s.BroadcastID, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(s.BroadcastID), payload, 0)
		if s.Resumable() {
			pipe.SAdd(ctx, r.resumableKey(), s.BroadcastID)
			pipe.ZRem(ctx, r.finishedKey(), s.BroadcastID)
		} else {
			pipe.SRem(ctx, r.resumableKey(), s.BroadcastID)
			pipe.ZAdd(ctx, r.finishedKey(), redis.Z{Score: float64(s.SavedAt.UnixMilli()), Member: s.BroadcastID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot: save %s: %w", s.BroadcastID, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, broadcastID string) (Snapshot, error) {
	payload, err := r.rdb.Get(ctx, r.key(broadcastID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	return decode(payload)
}

func (r *RedisStore) ListResumable(ctx context.Context) ([]Snapshot, error) {
	ids, err := r.rdb.SMembers(ctx, r.resumableKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// set member without a payload; dropped by the next Delete
			continue
		}
		s, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if s.Resumable() {
			out = append(out, s)
		}
	}
	sortByStart(out)
	return out, nil
}

func (r *RedisStore) ListFinished(ctx context.Context, before time.Time) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, r.finishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
}

func (r *RedisStore) Delete(ctx context.Context, broadcastID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(broadcastID))
		pipe.SRem(ctx, r.resumableKey(), broadcastID)
		pipe.ZRem(ctx, r.finishedKey(), broadcastID)
		return nil
	})
	return err
}
