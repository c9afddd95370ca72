package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/finance-gateway/internal/observability"
)

// Store keeps conversations keyed by session id. Implementations are safe
// for concurrent use.
type Store interface {
	// Load returns the conversation for id, or a new empty one if none exists
	Load(ctx context.Context, id string) (*Conversation, error)
	// Append adds turns to the conversation for id, creating it if needed
	Append(ctx context.Context, id string, turns ...Turn) error
	// SetConfig stores a per-conversation setting
	SetConfig(ctx context.Context, id, key, value string) error
	// Delete forgets the conversation for id
	Delete(ctx context.Context, id string) error
	// Healthy reports whether the store can serve requests
	Healthy(ctx context.Context) (bool, error)
	Close() error
}

type memoryEntry struct {
	conv     *Conversation
	lastSeen time.Time
}

// MemoryStore keeps conversations in process memory. Conversations idle for
// longer than the TTL are evicted by Sweep.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memoryEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore creates an in-memory store. ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*memoryEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Load implements Store
func (s *MemoryStore) Load(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.convs[id]; ok && !s.expired(e) {
		return e.conv.Clone(), nil
	}
	return New(id, s.now()), nil
}

// Append implements Store
func (s *MemoryStore) Append(_ context.Context, id string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(id)
	now := s.now()
	if err := e.conv.Append(now, turns...); err != nil {
		return err
	}
	e.lastSeen = now
	return nil
}

// SetConfig implements Store
func (s *MemoryStore) SetConfig(_ context.Context, id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(id)
	now := s.now()
	e.conv.Set(key, value, now)
	e.lastSeen = now
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.convs, id)
	observability.SetActiveSessions(len(s.convs))
	return nil
}

// Healthy implements Store
func (s *MemoryStore) Healthy(context.Context) (bool, error) {
	return true, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of live conversations
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// Sweep evicts expired conversations and returns how many were removed
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.convs {
		if s.expired(e) {
			delete(s.convs, id)
			removed++
		}
	}
	observability.SetActiveSessions(len(s.convs))
	return removed
}

// StartJanitor sweeps every interval until ctx is done
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = s.ttl / 2
	}
	logger := observability.GetLogger()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					logger.Debug().Int("evicted", n).Msg("Evicted idle conversations")
				}
			}
		}
	}()
}

// entry returns the live entry for id, replacing an expired one. Caller holds mu.
func (s *MemoryStore) entry(id string) *memoryEntry {
	e, ok := s.convs[id]
	if !ok || s.expired(e) {
		now := s.now()
		e = &memoryEntry{conv: New(id, now), lastSeen: now}
		s.convs[id] = e
		observability.SetActiveSessions(len(s.convs))
	}
	return e
}

func (s *MemoryStore) expired(e *memoryEntry) bool {
	return s.ttl > 0 && s.now().Sub(e.lastSeen) > s.ttl
}
