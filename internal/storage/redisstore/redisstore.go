// Package redisstore implements storage.Store on Redis. Each record is a JSON
// string key; each caller has a sorted set of record ids scored by creation
// time.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/michaelbrown/coderun/internal/storage"
)

const (
	recordKeyPrefix = "submission:"
	callerKeyPrefix = "submissions:caller:"
)

// RedisStore implements storage.Store backed by Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Options configure a RedisStore.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // namespace for every key, e.g. "coderun:"
	TTL      time.Duration // 0 keeps records forever
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL}, nil
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + recordKeyPrefix + id }
func (s *RedisStore) callerKey(c string) string  { return s.prefix + callerKeyPrefix + c }

func (s *RedisStore) Save(ctx context.Context, r *storage.Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling submission: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(r.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("storing submission: %w", err)
	}
	if !ok {
		return fmt.Errorf("submission %s already exists", r.ID)
	}

	// Microseconds keep the score exact in a float64.
	err = s.client.ZAdd(ctx, s.callerKey(r.Caller), redis.Z{
		Score:  float64(r.CreatedAt.UnixMicro()),
		Member: r.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("indexing submission: %w", err)
	}
	return nil
}

func (s *RedisStore) FindByCaller(ctx context.Context, caller string, opts storage.ListOptions) ([]storage.Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	start := int64(opts.Offset)
	ids, err := s.client.ZRevRange(ctx, s.callerKey(caller), start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading submissions: %w", err)
	}

	records := make([]storage.Record, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Expired record still indexed.
			s.client.ZRem(ctx, s.callerKey(caller), ids[i])
			continue
		}
		var r storage.Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("decoding submission %s: %w", ids[i], err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *RedisStore) Get(ctx context.Context, caller, id string) (*storage.Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", storage.ErrNotFound)
	}
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.getByPrefix(ctx, caller, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	r, err := decode(data)
	if err != nil {
		return nil, err
	}
	if caller != "" && r.Caller != caller {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return r, nil
}

// getByPrefix resolves an id prefix. With a caller it searches that caller's
// index; without one it scans record keys with the prefix escaped so glob
// metacharacters match literally.
func (s *RedisStore) getByPrefix(ctx context.Context, caller, prefix string) (*storage.Record, error) {
	var matches []string
	if caller != "" {
		ids, err := s.client.ZRange(ctx, s.callerKey(caller), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("listing submissions: %w", err)
		}
		for _, id := range ids {
			if strings.HasPrefix(id, prefix) {
				matches = append(matches, s.recordKey(id))
			}
		}
	} else {
		want := s.recordKey(prefix)
		iter := s.client.Scan(ctx, 0, globEscape(want)+"*", 100).Iterator()
		for iter.Next(ctx) {
			if key := iter.Val(); strings.HasPrefix(key, want) && !slices.Contains(matches, key) {
				matches = append(matches, key)
			}
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scanning submissions: %w", err)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, prefix)
	case 1:
	default:
		return nil, fmt.Errorf("%w %q", storage.ErrAmbiguous, prefix)
	}

	data, err := s.client.Get(ctx, matches[0]).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	return decode(data)
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// globEscape quotes the metacharacters of a Redis MATCH pattern.
func globEscape(s string) string {
	return globReplacer.Replace(s)
}

func decode(data []byte) (*storage.Record, error) {
	var r storage.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding submission: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
