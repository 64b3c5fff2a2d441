package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PostgresStore keeps every document in a single JSONB table created by
// migrations/001_documents.sql.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const docCols = `collection, id, data, create_time, update_time`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var raw []byte
	if err := row.Scan(&d.Ref.Collection, &d.Ref.ID, &raw, &d.CreateTime, &d.UpdateTime); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &d.Data); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", d.Ref.Collection, d.Ref.ID, err)
	}
	return &d, nil
}

func (s *PostgresStore) Get(ctx context.Context, ref Ref) (*Document, error) {
	return s.get(ctx, s.pool, ref, false)
}

func (s *PostgresStore) get(ctx context.Context, q queryable, ref Ref, forUpdate bool) (*Document, error) {
	sql := `SELECT ` + docCols + ` FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	d, err := scanDocument(q.QueryRow(ctx, sql, ref.Collection, ref.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	return d, nil
}

func (s *PostgresStore) Set(ctx context.Context, ref Ref, data map[string]any) error {
	return s.upsert(ctx, s.pool, ref, data)
}

func (s *PostgresStore) upsert(ctx context.Context, q queryable, ref Ref, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ref, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, update_time = NOW()`,
		ref.Collection, ref.ID, raw)
	if err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	return nil
}

// Merge locks the row, merges in Go and writes back inside one transaction,
// so concurrent merges to one document serialize on the row lock. A missing
// row is inserted empty first so there is always a row to lock.
func (s *PostgresStore) Merge(ctx context.Context, ref Ref, data map[string]any) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (collection, id, data)
			VALUES ($1, $2, '{}'::jsonb)
			ON CONFLICT (collection, id) DO NOTHING`,
			ref.Collection, ref.ID)
		if err != nil {
			return fmt.Errorf("lock %s: %w", ref, err)
		}
		current, err := s.get(ctx, tx, ref, true)
		if err != nil {
			return err
		}
		return s.upsert(ctx, tx, ref, DeepMerge(current.Data, data))
	})
}

func (s *PostgresStore) Create(ctx context.Context, ref Ref, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ref, err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING`,
		ref.Collection, ref.ID, raw)
	if err != nil {
		return fmt.Errorf("create %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, ref Ref) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, ref.Collection, ref.ID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*Document, error) {
	var (
		where []string
		args  []interface{}
	)
	args = append(args, q.Collection)
	if q.Group {
		where = append(where, `(collection = $1 OR collection LIKE '%/' || $1)`)
	} else {
		where = append(where, `collection = $1`)
	}
	if len(q.Where) > 0 {
		contains := make(map[string]any, len(q.Where))
		for _, f := range q.Where {
			contains[f.Field] = f.Value
		}
		raw, err := json.Marshal(contains)
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		args = append(args, raw)
		where = append(where, fmt.Sprintf(`data @> $%d::jsonb`, len(args)))
	}
	sql := `SELECT ` + docCols + ` FROM documents WHERE ` + strings.Join(where, " AND ") + ` ORDER BY collection, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListParents(ctx context.Context, group string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT regexp_replace(collection, '/[^/]+$', '') AS parent
		FROM documents
		WHERE collection LIKE '%/' || $1
		ORDER BY parent`, group)
	if err != nil {
		return nil, fmt.Errorf("list parents of %s: %w", group, err)
	}
	defer rows.Close()
	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	return parents, rows.Err()
}

func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return now.UTC(), nil
}
