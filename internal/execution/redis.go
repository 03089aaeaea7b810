package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string        `koanf:"address"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Prefix   string        `koanf:"prefix"`
	TTL      time.Duration `koanf:"ttl"`
}

// RedisLocation stores snapshots as JSON documents, one key per execution,
// plus a set indexing the ids.
type RedisLocation struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocation(ctx context.Context, cfg RedisConfig) (*RedisLocation, error) {
	if cfg.Address == "" {
		return nil, errors.New("execution: redis address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("execution: connect redis: %w", err)
	}
	return newRedisLocation(client, cfg), nil
}

func newRedisLocation(client *redis.Client, cfg RedisConfig) *RedisLocation {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "hopflow:execution"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLocation{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocation) key(id string) string { return l.prefix + ":" + id }
func (l *RedisLocation) index() string        { return l.prefix + "s" }

func (l *RedisLocation) Record(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, l.key(s.ID), data, l.ttl)
		p.SAdd(ctx, l.index(), s.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("execution: redis record %s: %w", s.ID, err)
	}
	return nil
}

func (l *RedisLocation) Get(ctx context.Context, id string) (Snapshot, error) {
	data, err := l.client.Get(ctx, l.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("execution: redis get %s: %w", id, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// List also prunes index entries whose documents have expired.
func (l *RedisLocation) List(ctx context.Context) ([]Snapshot, error) {
	ids, err := l.client.SMembers(ctx, l.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("execution: redis list: %w", err)
	}
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		s, err := l.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			l.client.SRem(ctx, l.index(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sortByStart(out)
	return out, nil
}

func (l *RedisLocation) Evict(ctx context.Context, id string) error {
	n, err := l.client.Del(ctx, l.key(id)).Result()
	if err != nil {
		return fmt.Errorf("execution: redis evict %s: %w", id, err)
	}
	l.client.SRem(ctx, l.index(), id)
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *RedisLocation) Close() error { return l.client.Close() }
