package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"netcapture/internal/domain"
)

// Store is a bounded LRU of captured requests keyed by id.
// Every read touches recency except enumeration through GetFiltered.
type Store struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, domain.CapturedRequest]
	clearing bool
	onEvict  func(id string)
}

// NewStore builds a store holding at most capacity entries. onEvict, if set, is
// called (under the store lock) for each capacity eviction, not for Clear.
func NewStore(capacity int, onEvict func(id string)) (*Store, error) {
	s := &Store{onEvict: onEvict}
	l, err := simplelru.NewLRU[string, domain.CapturedRequest](capacity, func(id string, _ domain.CapturedRequest) {
		if !s.clearing && s.onEvict != nil {
			s.onEvict(id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStore, err)
	}
	s.lru = l
	return s, nil
}

// Add inserts or overwrites r, evicting the least recently used entry on overflow.
func (s *Store) Add(ctx context.Context, r domain.CapturedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(r.ID, r.Clone())
	return nil
}

// Get returns a copy of the entry and marks it most recently used.
func (s *Store) Get(ctx context.Context, id string) (domain.CapturedRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lru.Get(id)
	if !ok {
		return domain.CapturedRequest{}, false, nil
	}
	return r.Clone(), true, nil
}

// GetFiltered returns copies of all entries matching f, newest first.
func (s *Store) GetFiltered(ctx context.Context, f domain.FilterCriteria) ([]domain.CapturedRequest, error) {
	s.mu.Lock()
	out := make([]domain.CapturedRequest, 0, s.lru.Len())
	for _, id := range s.lru.Keys() {
		r, ok := s.lru.Peek(id)
		if !ok || !f.Matches(r) {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearing = true
	s.lru.Purge()
	s.clearing = false
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
