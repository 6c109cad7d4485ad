package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

const (
	// DefaultKeyPrefix namespaces held messages in Redis.
	DefaultKeyPrefix = "sandbox-gateway:held:"

	// DefaultParkedPrefix namespaces parked messages in Redis.
	DefaultParkedPrefix = "sandbox-gateway:parked:"

	maxUpdateAttempts = 5
)

// moveScript moves KEYS[1] to KEYS[2] with a fresh expiry of ARGV[1]
// milliseconds (0 for none). It returns 0 when KEYS[1] is missing, 2 when
// KEYS[2] already exists (KEYS[1] is dropped) and 1 on success.
var moveScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
redis.call("DEL", KEYS[1])
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 2
end
if tonumber(ARGV[1]) > 0 then
	redis.call("SET", KEYS[2], v, "PX", ARGV[1])
else
	redis.call("SET", KEYS[2], v)
end
return 1
`)

// Redis is a Store backed by Redis string keys. Every entry carries a TTL
// so that a crashed process cannot leak entries forever.
type Redis struct {
	client *redis.Client
	prefix string
	parked string
	ttl    time.Duration
}

// NewRedis creates a Redis store. A zero ttl disables expiry.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: DefaultKeyPrefix,
		parked: DefaultParkedPrefix,
		ttl:    ttl,
	}
}

func (r *Redis) key(id email.CorrelationID) string {
	return r.prefix + string(id)
}

func (r *Redis) parkedKey(id email.CorrelationID) string {
	return r.parked + string(id)
}

// PutIfAbsent uses SET NX so concurrent duplicate deliveries race safely.
func (r *Redis) PutIfAbsent(ctx context.Context, id email.CorrelationID, data []byte) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(id), data, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to store %s: %w", id.Short(), err)
	}
	return ok, nil
}

// Get uses GETEX so that a job claimed late in the TTL window still has a
// full TTL for its analysis.
func (r *Redis) Get(ctx context.Context, id email.CorrelationID) ([]byte, error) {
	data, err := r.client.GetEx(ctx, r.key(id), r.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", id.Short(), err)
	}
	return data, nil
}

// Take uses GETDEL, so two concurrent callers never both receive the entry.
func (r *Redis) Take(ctx context.Context, id email.CorrelationID) ([]byte, error) {
	data, err := r.client.GetDel(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take %s: %w", id.Short(), err)
	}
	return data, nil
}

// Update runs fn inside a WATCH transaction and retries when another
// client changed the entry in between.
func (r *Redis) Update(ctx context.Context, id email.CorrelationID, fn func([]byte) ([]byte, error)) error {
	key := r.key(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(data)
		if err != nil || next == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, next, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", id.Short(), err)
		}
		return nil
	}
	return fmt.Errorf("failed to update %s: entry kept changing", id.Short())
}

// Delete removes the entry.
func (r *Redis) Delete(ctx context.Context, id email.CorrelationID) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id.Short(), err)
	}
	return nil
}

// Park renames the entry into the parked keyspace with a fresh TTL.
func (r *Redis) Park(ctx context.Context, id email.CorrelationID) error {
	res, err := r.move(ctx, r.key(id), r.parkedKey(id))
	if err != nil {
		return fmt.Errorf("failed to park %s: %w", id.Short(), err)
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

// Unpark is the inverse of Park.
func (r *Redis) Unpark(ctx context.Context, id email.CorrelationID) error {
	res, err := r.move(ctx, r.parkedKey(id), r.key(id))
	if err != nil {
		return fmt.Errorf("failed to unpark %s: %w", id.Short(), err)
	}
	switch res {
	case 0:
		return ErrNotFound
	case 2:
		return ErrHeld
	}
	return nil
}

func (r *Redis) move(ctx context.Context, from, to string) (int, error) {
	return moveScript.Run(ctx, r.client, []string{from, to}, r.ttl.Milliseconds()).Int()
}

// Parked checks the parked keyspace.
func (r *Redis) Parked(ctx context.Context, id email.CorrelationID) (bool, error) {
	n, err := r.client.Exists(ctx, r.parkedKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check parked %s: %w", id.Short(), err)
	}
	return n == 1, nil
}

// Len counts live entries under the key prefix with SCAN.
func (r *Redis) Len(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan held messages: %w", err)
	}
	return n, nil
}
