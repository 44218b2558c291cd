/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pmkol/hyperdns/pkg/cache"
	"github.com/pmkol/hyperdns/pkg/utils"
)

var nopLogger = zap.NewNop()

const (
	defaultKeyPrefix = "hyperdns:"
	scanCount        = 256
)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for single read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// KeyPrefix is prepended to every name. Default is "hyperdns:".
	KeyPrefix string

	Clock clockwork.Clock

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	utils.SetDefaultString(&opts.KeyPrefix, defaultKeyPrefix)
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache is a shared cache.Backend. Every name is one redis hash
// "{prefix}{name}" with one field per protocol, so ClearName is a single DEL.
// After a failed operation the client is disabled until a ping succeeds,
// reads then miss and writes are dropped.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

var _ cache.Backend = (*RedisCache)(nil)

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts: opts,
	}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				r.opts.Logger.Info("redis enabled")
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func (r *RedisCache) nameKey(name string) string {
	return r.opts.KeyPrefix + name
}

func (r *RedisCache) Get(ctx context.Context, protocol, name string) (*cache.Record, error) {
	if r.disabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.HGet(ctx, r.nameKey(name), protocol).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		r.disableClient()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	rec, err := cache.UnpackRecord(b)
	if err != nil {
		return nil, fmt.Errorf("redis data unpack error: %w", err)
	}
	return &rec, nil
}

func (r *RedisCache) Store(ctx context.Context, protocol, name string, rec cache.Record) error {
	if r.disabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.HSet(ctx, r.nameKey(name), protocol, cache.PackRecord(rec)).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (r *RedisCache) ClearName(ctx context.Context, name string) error {
	if r.disabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Del(ctx, r.nameKey(name)).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear deletes all keys under the prefix via SCAN. It does not touch
// keys that belong to other users of the same database.
func (r *RedisCache) Clear(ctx context.Context) error {
	return r.scan(ctx, func(pipe redis.Pipeliner, key string) error {
		pipe.Del(ctx, key)
		return nil
	})
}

// Flush deletes expired fields. Redis removes a hash once its last
// field is deleted.
func (r *RedisCache) Flush(ctx context.Context) error {
	now := r.opts.Clock.Now().UnixMilli()
	return r.scan(ctx, func(pipe redis.Pipeliner, key string) error {
		m, err := r.opts.Client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		for protocol, v := range m {
			rec, err := cache.UnpackRecord([]byte(v))
			if err != nil || rec.Expired(now) {
				pipe.HDel(ctx, key, protocol)
			}
		}
		return nil
	})
}

// scan calls f for every key under the prefix and executes the
// commands f queued in pipe once per SCAN batch.
func (r *RedisCache) scan(ctx context.Context, f func(pipe redis.Pipeliner, key string) error) error {
	if r.disabled() {
		return nil
	}

	var cursor uint64
	for {
		keys, next, err := r.opts.Client.Scan(ctx, cursor, r.opts.KeyPrefix+"*", scanCount).Result()
		if err != nil {
			r.disableClient()
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			pipe := r.opts.Client.Pipeline()
			for _, key := range keys {
				if err := f(pipe, key); err != nil {
					return fmt.Errorf("redis scan %s: %w", key, err)
				}
			}
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return fmt.Errorf("redis pipeline: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
