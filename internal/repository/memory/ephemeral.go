// Package memory holds in-process drivers for the repository capabilities.
// They back the "memory" drivers in development and serve as test fakes.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"blog-auth-service/internal/repository"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// EphemeralStore is a TTL map. Expired keys behave as absent.
type EphemeralStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	offset  time.Duration

	// FailWith, when set, is returned by every operation.
	FailWith error
}

func NewEphemeralStore() *EphemeralStore {
	return &EphemeralStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Now is the store clock; Advance moves it forward.
func (s *EphemeralStore) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Add(s.offset)
}

// Advance moves the store clock forward so keys expire without sleeping.
func (s *EphemeralStore) Advance(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

// Expire drops a key as if its TTL elapsed.
func (s *EphemeralStore) Expire(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *EphemeralStore) current() time.Time {
	return s.now().Add(s.offset)
}

// lookup must be called with mu held.
func (s *EphemeralStore) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.current().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *EphemeralStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	e, ok := s.lookup(key)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *EphemeralStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.current().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *EphemeralStore) IncrField(ctx context.Context, key, field string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	e, ok := s.lookup(key)
	if !ok {
		return 0, repository.ErrNotFound
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(e.value, &doc); err != nil {
		return 0, fmt.Errorf("%s is not a JSON object: %w", key, err)
	}
	var n int
	if raw, ok := doc[field]; ok {
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("%s.%s is not an integer: %w", key, field, err)
		}
	}
	n++
	doc[field] = json.RawMessage(strconv.Itoa(n))
	value, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	e.value = value
	s.entries[key] = e
	return n, nil
}

func (s *EphemeralStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	delete(s.entries, key)
	return nil
}

func (s *EphemeralStore) Take(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}
	_, ok := s.lookup(key)
	delete(s.entries, key)
	return ok, nil
}

func (s *EphemeralStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	e, ok := s.lookup(key)
	if !ok {
		return 0, repository.ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(s.current()), nil
}

func (s *EphemeralStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}
	_, ok := s.lookup(key)
	return ok, nil
}

// CountPrefix counts live keys starting with prefix.
func (s *EphemeralStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	n := 0
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.lookup(key); ok {
			n++
		}
	}
	return n, nil
}
