package tokens

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in process memory. It backs tests and
// single-node development runs; expiration is evaluated lazily on access
// against an injectable clock.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	sets   map[string]map[string]struct{}
	now    func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiration
}

// MemoryOption configures MemoryStore behavior.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for expiration checks.
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		values: make(map[string]memoryEntry),
		sets:   make(map[string]map[string]struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping satisfies the readiness probe contract.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.values[key] = entry
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.values[key]
	if !ok || s.expired(entry) {
		delete(s.values, key)
		return "", ErrKeyNotFound
	}
	return entry.value, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.sets, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.values[key]
	if !ok {
		_, ok = s.sets[key]
		return ok, nil
	}
	if s.expired(entry) {
		delete(s.values, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) SetAdd(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (s *MemoryStore) SetRemove(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, key)
		}
	}
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key, entry := range s.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s.expired(entry) {
			delete(s.values, key)
			continue
		}
		out = append(out, key)
	}
	for key := range s.sets {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *MemoryStore) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt)
}
