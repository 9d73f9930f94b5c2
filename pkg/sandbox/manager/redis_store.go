package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/curaious/runbox/pkg/sandbox"
)

const (
	portKeyPrefix    = "runbox:port:"
	poolKeyPrefix    = "runbox:pool:"
	sessionKeyPrefix = "runbox:session:"
	sessionIndexKey  = "runbox:sessions"
)

// pushIdleScript pushes onto the pool list only while it is under the
// bound. The check and push run atomically inside redis, so two workers
// releasing at once cannot overfill the pool.
var pushIdleScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// redisStore is the multi-worker coordination store. Port claims are
// SETNX, pool membership is a bounded list, all short-lived atomic
// operations rather than coarse locks.
type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore returns a Store backed by the given redis client.
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) ClaimPort(ctx context.Context, port int) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, fmt.Sprintf("%s%d", portKeyPrefix, port), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim port %d: %w", port, err)
	}
	return ok, nil
}

func (s *redisStore) ReleasePort(ctx context.Context, port int) error {
	if err := s.rdb.Del(ctx, fmt.Sprintf("%s%d", portKeyPrefix, port)).Err(); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}

func (s *redisStore) PushIdle(ctx context.Context, typ sandbox.Type, entry PoolEntry, max int) (bool, error) {
	payload, err := sonic.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshal pool entry: %w", err)
	}
	n, err := pushIdleScript.Run(ctx, s.rdb, []string{poolKeyPrefix + typ.String()}, payload, max).Int()
	if err != nil {
		return false, fmt.Errorf("push idle %s: %w", typ, err)
	}
	return n == 1, nil
}

func (s *redisStore) PopIdle(ctx context.Context, typ sandbox.Type) (*PoolEntry, bool, error) {
	payload, err := s.rdb.RPop(ctx, poolKeyPrefix+typ.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pop idle %s: %w", typ, err)
	}
	var entry PoolEntry
	if err := sonic.Unmarshal(payload, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal pool entry: %w", err)
	}
	return &entry, true, nil
}

func (s *redisStore) IdleCount(ctx context.Context, typ sandbox.Type) (int, error) {
	n, err := s.rdb.LLen(ctx, poolKeyPrefix+typ.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("pool size %s: %w", typ, err)
	}
	return int(n), nil
}

func (s *redisStore) SetSession(ctx context.Context, key string, ids []string) error {
	payload, err := sonic.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal session ids: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+key, payload, 0)
	pipe.SAdd(ctx, sessionIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set session %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) GetSession(ctx context.Context, key string) ([]string, error) {
	payload, err := s.rdb.Get(ctx, sessionKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", key, err)
	}
	var ids []string
	if err := sonic.Unmarshal(payload, &ids); err != nil {
		return nil, fmt.Errorf("unmarshal session ids: %w", err)
	}
	return ids, nil
}

func (s *redisStore) DeleteSession(ctx context.Context, key string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+key)
	pipe.SRem(ctx, sessionIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) ListSessions(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return keys, nil
}
