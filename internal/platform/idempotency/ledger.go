// Package idempotency provides an at-most-once execution ledger for
// side-effecting operations. A client-supplied token scopes an operation on
// one questionnaire; the first caller to reserve the key executes, every
// later caller replays the recorded result.
package idempotency

import (
	"context"
	"errors"
	"net/url"
	"time"
)

const (
	StateReserved = "reserved"
	StateRecorded = "recorded"
)

const (
	defaultPollAttempts = 20
	defaultPollInterval = 50 * time.Millisecond

	// DefaultLease is how long a reservation may stay unrecorded before a
	// caller holding the same key may take it over.
	DefaultLease = 30 * time.Second
)

var (
	// ErrInFlight is returned when another caller holds the reservation and
	// has not recorded a result within the polling window.
	ErrInFlight = errors.New("idempotency: operation already in flight")
	// ErrAlreadyRecorded guards the write-once property of a record.
	ErrAlreadyRecorded = errors.New("idempotency: result already recorded")
	// ErrNotReserved is returned when recording against a missing reservation.
	ErrNotReserved = errors.New("idempotency: key not reserved")

	// errReleased means the reservation disappeared while waiting on it.
	errReleased = errors.New("idempotency: reservation released")
	// errAbandoned means the reservation outlived its lease unrecorded.
	errAbandoned = errors.New("idempotency: reservation abandoned")
)

// maxReserveAttempts bounds how often a caller retries a reservation that
// the previous holder released.
const maxReserveAttempts = 3

// Key identifies one idempotent execution.
type Key struct {
	Operation       string
	QuestionnaireID string
	Token           string
}

func (k Key) String() string {
	return k.Operation + ":" + url.QueryEscape(k.QuestionnaireID) + ":" + url.QueryEscape(k.Token)
}

// Outcome is the answer to CheckAndReserve.
type Outcome struct {
	AlreadyExecuted bool
	PriorResult     map[string]any
	// Reclaimed is set when the caller took over a reservation whose lease
	// expired. The previous holder may have executed without recording.
	Reclaimed bool
}

// Ledger is the reservation/record contract. After a successful
// CheckAndReserve that is not AlreadyExecuted, the caller must call exactly
// one of RecordResult or Release.
type Ledger interface {
	CheckAndReserve(ctx context.Context, key Key) (Outcome, error)
	RecordResult(ctx context.Context, key Key, result map[string]any) error
	Release(ctx context.Context, key Key) error
}

// Record is the persisted shape of a ledger entry.
type Record struct {
	Operation       string         `json:"operation"`
	QuestionnaireID string         `json:"questionnaireId"`
	Token           string         `json:"token"`
	State           string         `json:"state"`
	Result          map[string]any `json:"result,omitempty"`
	ReservedAt      time.Time      `json:"reservedAt"`
	RecordedAt      *time.Time     `json:"recordedAt,omitempty"`
}

func newReservation(key Key, now time.Time) Record {
	return Record{
		Operation:       key.Operation,
		QuestionnaireID: key.QuestionnaireID,
		Token:           key.Token,
		State:           StateReserved,
		ReservedAt:      now,
	}
}

// expired reports whether an unrecorded reservation outlived lease. A
// non-positive lease never expires.
func (r *Record) expired(lease time.Duration, now time.Time) bool {
	return r.State == StateReserved && lease > 0 && !now.Before(r.ReservedAt.Add(lease))
}

type poller struct {
	attempts int
	interval time.Duration
}

// wait calls read until it reports a recorded result, the attempts run out or
// ctx is done. An expired reservation ends the wait with errAbandoned and the
// record that was read.
func (p poller) wait(ctx context.Context, read func() (*Record, error), expired func(*Record) (bool, error)) (Outcome, *Record, error) {
	for i := 0; ; i++ {
		rec, err := read()
		if err != nil {
			return Outcome{}, nil, err
		}
		if rec.State == StateRecorded {
			return Outcome{AlreadyExecuted: true, PriorResult: rec.Result}, rec, nil
		}
		stale, err := expired(rec)
		if err != nil {
			return Outcome{}, nil, err
		}
		if stale {
			return Outcome{}, rec, errAbandoned
		}
		if i >= p.attempts {
			return Outcome{}, nil, ErrInFlight
		}
		t := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Outcome{}, nil, ctx.Err()
		case <-t.C:
		}
	}
}
