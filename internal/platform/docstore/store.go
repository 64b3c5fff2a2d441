// Package docstore is a small document-database client: documents are JSON
// objects addressed by (collection, id) and support get/set/merge/create/
// delete and equality queries. Adapters assign server time through Now so
// callers never deal with store-specific timestamp sentinels.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when no document exists at the ref.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAlreadyExists is returned by Create when the ref is taken.
	ErrAlreadyExists = errors.New("docstore: document already exists")
)

// Ref addresses a single document. Nested collections use slash-separated
// paths, e.g. "patients/p-1/questionnaires".
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string { return r.Collection + "/" + r.ID }

// Parent returns the document path owning the ref's collection, or "" for a
// top-level collection ("patients/p-1/questionnaires" -> "patients/p-1").
func (r Ref) Parent() string {
	i := strings.LastIndex(r.Collection, "/")
	if i < 0 {
		return ""
	}
	return r.Collection[:i]
}

// Document is a stored JSON object with store-assigned timestamps.
type Document struct {
	Ref        Ref
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// Filter is an equality predicate on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents from one collection, or from every collection whose
// last path segment equals Collection when Group is set.
type Query struct {
	Collection string
	Group      bool
	Where      []Filter
	Limit      int
}

// Store is the document database contract used by the domain packages.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, ref Ref) (*Document, error)
	// Set replaces the document, creating it if needed.
	Set(ctx context.Context, ref Ref, data map[string]any) error
	// Merge deep-merges data into the document, creating it if needed.
	// Nested objects merge key by key; every other value is last-write-wins.
	Merge(ctx context.Context, ref Ref, data map[string]any) error
	// Create writes the document only if the ref is free; otherwise it
	// returns ErrAlreadyExists. This is the store's atomic create-if-absent.
	Create(ctx context.Context, ref Ref, data map[string]any) error
	Delete(ctx context.Context, ref Ref) error
	// Query returns matching documents ordered by (collection, id).
	Query(ctx context.Context, q Query) ([]*Document, error)
	// ListParents returns the distinct sorted parent paths of every
	// collection named group, e.g. all "patients/{uid}" owning a
	// "questionnaires" sub-collection.
	ListParents(ctx context.Context, group string) ([]string, error)
	// Now reports the store's current time.
	Now(ctx context.Context) (time.Time, error)
}

// DeepMerge merges src into dst in place and returns dst. Maps merge
// recursively; any other value in src replaces the one in dst.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = DeepMerge(dv, sv)
			continue
		}
		if srcIsMap {
			dst[k] = DeepMerge(nil, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}

// Clone returns a deep copy of a JSON-shaped map.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	default:
		return v
	}
}

func matches(data map[string]any, where []Filter) bool {
	for _, f := range where {
		v, ok := data[f.Field]
		if !ok || !equalValues(v, f.Value) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case int:
			return av == float64(bv)
		}
	case int:
		switch bv := b.(type) {
		case int:
			return av == bv
		case float64:
			return float64(av) == bv
		}
	case nil:
		return b == nil
	}
	return false
}
