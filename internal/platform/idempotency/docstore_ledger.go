package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/questionnaires/internal/platform/docstore"
)

// Collection holds ledger records in the document store.
const Collection = "idempotency"

// DocstoreLedger relies on docstore.Store.Create for create-if-absent.
type DocstoreLedger struct {
	store docstore.Store
	poll  poller
	lease time.Duration
}

func NewDocstoreLedger(store docstore.Store) *DocstoreLedger {
	return &DocstoreLedger{
		store: store,
		poll:  poller{attempts: defaultPollAttempts, interval: defaultPollInterval},
		lease: DefaultLease,
	}
}

// SetPolling tunes how long a loser waits for the winner's result.
func (l *DocstoreLedger) SetPolling(attempts int, interval time.Duration) {
	l.poll = poller{attempts: attempts, interval: interval}
}

// SetLease sets how long a reservation may stay unrecorded. Zero disables
// takeover.
func (l *DocstoreLedger) SetLease(d time.Duration) { l.lease = d }

func ref(key Key) docstore.Ref {
	return docstore.Ref{Collection: Collection, ID: key.String()}
}

func (l *DocstoreLedger) CheckAndReserve(ctx context.Context, key Key) (Outcome, error) {
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

func (l *DocstoreLedger) reserve(ctx context.Context, key Key) (Outcome, error) {
	now, err := l.store.Now(ctx)
	if err != nil {
		return Outcome{}, err
	}
	data, err := toMap(newReservation(key, now))
	if err != nil {
		return Outcome{}, err
	}
	err = l.store.Create(ctx, ref(key), data)
	if err == nil {
		return Outcome{}, nil
	}
	if !errors.Is(err, docstore.ErrAlreadyExists) {
		return Outcome{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	out, stale, err := l.poll.wait(ctx, func() (*Record, error) {
		rec, err := l.read(ctx, key)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, errReleased
		}
		return rec, err
	}, func(rec *Record) (bool, error) {
		now, err := l.store.Now(ctx)
		if err != nil {
			return false, err
		}
		return rec.expired(l.lease, now), nil
	})
	if errors.Is(err, errAbandoned) {
		return l.reclaim(ctx, key, stale)
	}
	return out, err
}

// reclaim replaces an expired reservation with a fresh one. Losing the
// replacement to another caller sends the reservation round again.
func (l *DocstoreLedger) reclaim(ctx context.Context, key Key, stale *Record) (Outcome, error) {
	current, err := l.read(ctx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return Outcome{}, errReleased
	}
	if err != nil {
		return Outcome{}, err
	}
	if current.State != StateReserved || !current.ReservedAt.Equal(stale.ReservedAt) {
		return Outcome{}, errReleased
	}
	now, err := l.store.Now(ctx)
	if err != nil {
		return Outcome{}, err
	}
	data, err := toMap(newReservation(key, now))
	if err != nil {
		return Outcome{}, err
	}
	if err := l.store.Delete(ctx, ref(key)); err != nil {
		return Outcome{}, fmt.Errorf("reclaim %s: %w", key, err)
	}
	err = l.store.Create(ctx, ref(key), data)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return Outcome{}, errReleased
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reclaim %s: %w", key, err)
	}
	return Outcome{Reclaimed: true}, nil
}

func (l *DocstoreLedger) RecordResult(ctx context.Context, key Key, result map[string]any) error {
	rec, err := l.read(ctx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotReserved
	}
	if err != nil {
		return err
	}
	if rec.State == StateRecorded {
		return ErrAlreadyRecorded
	}
	now, err := l.store.Now(ctx)
	if err != nil {
		return err
	}
	rec.State = StateRecorded
	rec.Result = result
	rec.RecordedAt = &now
	data, err := toMap(rec)
	if err != nil {
		return err
	}
	if err := l.store.Set(ctx, ref(key), data); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

// Release drops an unrecorded reservation so a retry can execute.
func (l *DocstoreLedger) Release(ctx context.Context, key Key) error {
	rec, err := l.read(ctx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State == StateRecorded {
		return nil
	}
	return l.store.Delete(ctx, ref(key))
}

// PurgeBefore deletes recorded entries older than cutoff and returns how many
// were removed. Reservations are left alone.
func (l *DocstoreLedger) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	docs, err := l.store.Query(ctx, docstore.Query{
		Collection: Collection,
		Where:      []docstore.Filter{{Field: "state", Value: StateRecorded}},
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, d := range docs {
		var rec Record
		if err := fromMap(d.Data, &rec); err != nil {
			return purged, err
		}
		if rec.RecordedAt == nil || !rec.RecordedAt.Before(cutoff) {
			continue
		}
		if err := l.store.Delete(ctx, d.Ref); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (l *DocstoreLedger) read(ctx context.Context, key Key) (*Record, error) {
	doc, err := l.store.Get(ctx, ref(key))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := fromMap(doc.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(raw, &m)
}

func fromMap(m map[string]any, v any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
