package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe, in-process Store. Documents pass through
// a JSON round trip on write so they read back exactly as the Postgres
// adapter would return them (numbers as float64, times as strings).
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[Ref]*Document
	nowFunc func() time.Time // for testing; defaults to time.Now
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[Ref]*Document),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for Now and document timestamps.
func (s *MemoryStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

func (s *MemoryStore) Get(_ context.Context, ref Ref) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

func (s *MemoryStore) Set(_ context.Context, ref Ref, data map[string]any) error {
	norm, err := normalize(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(ref, norm)
	return nil
}

func (s *MemoryStore) Merge(_ context.Context, ref Ref, data map[string]any) error {
	norm, err := normalize(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.docs[ref]; ok {
		norm = DeepMerge(Clone(existing.Data), norm)
	}
	s.put(ref, norm)
	return nil
}

func (s *MemoryStore) Create(_ context.Context, ref Ref, data map[string]any) error {
	norm, err := normalize(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[ref]; ok {
		return ErrAlreadyExists
	}
	s.put(ref, norm)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, ref)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Document
	for ref, doc := range s.docs {
		if !collectionMatches(ref.Collection, q) {
			continue
		}
		if !matches(doc.Data, q.Where) {
			continue
		}
		out = append(out, copyDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.Collection != out[j].Ref.Collection {
			return out[i].Ref.Collection < out[j].Ref.Collection
		}
		return out[i].Ref.ID < out[j].Ref.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListParents(_ context.Context, group string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for ref := range s.docs {
		if lastSegment(ref.Collection) != group {
			continue
		}
		if p := ref.Parent(); p != "" {
			seen[p] = true
		}
	}
	parents := make([]string, 0, len(seen))
	for p := range seen {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	return parents, nil
}

func (s *MemoryStore) Now(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFunc(), nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *MemoryStore) put(ref Ref, data map[string]any) {
	now := s.nowFunc()
	created := now
	if existing, ok := s.docs[ref]; ok {
		created = existing.CreateTime
	}
	s.docs[ref] = &Document{Ref: ref, Data: data, CreateTime: created, UpdateTime: now}
}

func collectionMatches(collection string, q Query) bool {
	if q.Group {
		return lastSegment(collection) == q.Collection
	}
	return collection == q.Collection
}

func lastSegment(collection string) string {
	if i := strings.LastIndex(collection, "/"); i >= 0 {
		return collection[i+1:]
	}
	return collection
}

func copyDoc(d *Document) *Document {
	cp := *d
	cp.Data = Clone(d.Data)
	return &cp
}

func normalize(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
