package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger reserves keys with SETNX. A non-zero retention expires
// records after that long; zero keeps them forever.
type RedisLedger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	poll      poller
	lease     time.Duration
	nowFunc   func() time.Time
}

// NewRedisLedger parses redisURL and verifies the connection.
func NewRedisLedger(ctx context.Context, redisURL string, retention time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLedgerWithClient(client, retention), nil
}

// NewRedisLedgerWithClient wraps an existing client.
func NewRedisLedgerWithClient(client *redis.Client, retention time.Duration) *RedisLedger {
	return &RedisLedger{
		client:    client,
		prefix:    "idem:",
		retention: retention,
		poll:      poller{attempts: defaultPollAttempts, interval: defaultPollInterval},
		lease:     DefaultLease,
		nowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

// SetPolling tunes how long a loser waits for the winner's result.
func (l *RedisLedger) SetPolling(attempts int, interval time.Duration) {
	l.poll = poller{attempts: attempts, interval: interval}
}

// SetLease sets how long a reservation may stay unrecorded. Zero disables
// takeover.
func (l *RedisLedger) SetLease(d time.Duration) { l.lease = d }

func (l *RedisLedger) key(k Key) string { return l.prefix + k.String() }

func (l *RedisLedger) CheckAndReserve(ctx context.Context, key Key) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		out, err := l.reserve(ctx, key)
		if errors.Is(err, errReleased) && attempt < maxReserveAttempts {
			continue
		}
		if errors.Is(err, errReleased) {
			return Outcome{}, ErrInFlight
		}
		return out, err
	}
}

func (l *RedisLedger) reserve(ctx context.Context, key Key) (Outcome, error) {
	raw, err := json.Marshal(newReservation(key, l.nowFunc()))
	if err != nil {
		return Outcome{}, err
	}
	ok, err := l.client.SetNX(ctx, l.key(key), raw, l.retention).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if ok {
		return Outcome{}, nil
	}
	out, stale, err := l.poll.wait(ctx, func() (*Record, error) {
		rec, err := l.read(ctx, key)
		if errors.Is(err, ErrNotReserved) {
			return nil, errReleased
		}
		return rec, err
	}, func(rec *Record) (bool, error) {
		return rec.expired(l.lease, l.nowFunc()), nil
	})
	if errors.Is(err, errAbandoned) {
		return l.reclaim(ctx, key, stale)
	}
	return out, err
}

// reclaim swaps an expired reservation for a fresh one under WATCH, so only
// one caller wins the takeover.
func (l *RedisLedger) reclaim(ctx context.Context, key Key, stale *Record) (Outcome, error) {
	raw, err := json.Marshal(newReservation(key, l.nowFunc()))
	if err != nil {
		return Outcome{}, err
	}
	k := l.key(key)
	err = l.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return errReleased
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(cur, &rec); err != nil {
			return err
		}
		if rec.State != StateReserved || !rec.ReservedAt.Equal(stale.ReservedAt) {
			return errReleased
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, raw, l.retention)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, errReleased) || errors.Is(err, redis.TxFailedErr) {
		return Outcome{}, errReleased
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reclaim %s: %w", key, err)
	}
	return Outcome{Reclaimed: true}, nil
}

func (l *RedisLedger) RecordResult(ctx context.Context, key Key, result map[string]any) error {
	rec, err := l.read(ctx, key)
	if err != nil {
		return err
	}
	if rec.State == StateRecorded {
		return ErrAlreadyRecorded
	}
	now := l.nowFunc()
	rec.State = StateRecorded
	rec.Result = result
	rec.RecordedAt = &now
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// XX: only overwrite the reservation we hold.
	if err := l.client.SetArgs(ctx, l.key(key), raw, redis.SetArgs{Mode: "XX", TTL: l.retention}).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotReserved
		}
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, key Key) error {
	rec, err := l.read(ctx, key)
	if errors.Is(err, ErrNotReserved) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State == StateRecorded {
		return nil
	}
	return l.client.Del(ctx, l.key(key)).Err()
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) read(ctx context.Context, key Key) (*Record, error) {
	raw, err := l.client.Get(ctx, l.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotReserved
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}
