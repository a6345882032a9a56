package userstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisKeyPrefix = "pulserelay:user:"
	redisOperationTimeout = 5 * time.Second
)

// saveIfNewer writes the snapshot hash only when the stored version is older.
var saveIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'snapshot', ARGV[2])
return 1
`)

// RedisBackend keeps each user in a hash under prefix+userID.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend accepts redis:// and rediss:// URLs. An optional "prefix"
// query parameter overrides the key prefix.
func NewRedisBackend(dsn string) (*RedisBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	parsed.RawQuery = query.Encode()

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return NewRedisBackendWithClient(redis.NewClient(opts), prefix), nil
}

func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(userID string) string {
	return b.prefix + userID
}

func (b *RedisBackend) Save(ctx context.Context, state UserState) error {
	if strings.TrimSpace(state.UserID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	return saveIfNewer.Run(ctx, b.client, []string{b.key(state.UserID)}, state.Version, string(payload)).Err()
}

func (b *RedisBackend) LoadAll(ctx context.Context) ([]UserState, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := b.client.Scan(ctx, cursor, b.prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make([]UserState, 0, len(keys))
	for _, key := range keys {
		payload, err := b.client.HGet(ctx, key, "snapshot").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var state UserState
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
		}
		state.UserID = strings.TrimPrefix(key, b.prefix)
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
