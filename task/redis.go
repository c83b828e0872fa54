package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces ledger keys when no prefix is configured.
const DefaultRedisPrefix = "conductor:"

// RedisLedger stores terminal tasks in Redis. Each record is a JSON string
// written with SETNX; sorted sets keyed by creation time index all records
// and records per status.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(ctx context.Context, opts *redis.Options, prefix string) (*RedisLedger, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisLedgerFromClient(client, prefix), nil
}

// NewRedisLedgerFromClient wraps an existing client. The ledger takes
// ownership and closes it on Close.
func NewRedisLedgerFromClient(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLedger{client: client, prefix: prefix + "ledger:"}
}

func (l *RedisLedger) taskKey(id string) string { return l.prefix + "task:" + id }

func (l *RedisLedger) allKey() string { return l.prefix + "all" }

func (l *RedisLedger) statusKey(s Status) string { return l.prefix + "status:" + string(s) }

// Close closes the Redis client.
func (l *RedisLedger) Close() error { return l.client.Close() }

func (l *RedisLedger) Append(ctx context.Context, t *Task) error {
	if err := checkAppend(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	ok, err := l.client.SetNX(ctx, l.taskKey(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store task %s: %w", t.ID, err)
	}
	if !ok {
		return fmt.Errorf("append %s: %w", t.ID, ErrAlreadyRecorded)
	}

	score := float64(t.CreatedAt.UnixNano())
	pipe := l.client.Pipeline()
	pipe.ZAdd(ctx, l.allKey(), redis.Z{Score: score, Member: t.ID})
	pipe.ZAdd(ctx, l.statusKey(t.Status), redis.Z{Score: score, Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index task %s: %w", t.ID, err)
	}
	return nil
}

func (l *RedisLedger) Lookup(ctx context.Context, id string) (*Task, error) {
	data, err := l.client.Get(ctx, l.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (l *RedisLedger) List(ctx context.Context, filter Filter) ([]*Task, error) {
	index := l.allKey()
	if filter.Status != nil {
		index = l.statusKey(*filter.Status)
	}
	ids, err := l.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.taskKey(id)
	}
	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	out := make([]*Task, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			continue
		}
		if filter.Match(&t) {
			out = append(out, &t)
		}
	}
	return filter.Page(out), nil
}
