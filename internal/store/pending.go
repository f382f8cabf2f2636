package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/models"
)

const (
	// IntentTTL is how long an unconfirmed STK push stays resolvable. After
	// this the callback window is considered closed and the intent is dropped.
	IntentTTL = 5 * time.Minute

	// SweepInterval is the cadence of the background expiry sweep.
	SweepInterval = 60 * time.Second
)

var ErrIntentNotFound = errors.New("pending intent not found")

// PendingStore keeps in-flight payment intents keyed by checkout request id.
// Implementations must be safe for concurrent use; the sweep must not block
// Get/Put/Delete.
type PendingStore interface {
	Put(ctx context.Context, checkoutRequestID string, intent *models.PendingIntent) error
	Get(ctx context.Context, checkoutRequestID string) (*models.PendingIntent, error)
	Delete(ctx context.Context, checkoutRequestID string) error
	SweepExpired(ctx context.Context, now time.Time) int
}

// MemoryStore is the default single-process PendingStore. An intent past its
// TTL is treated as not found even before the sweep has removed it.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*models.PendingIntent
	ttl     time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*models.PendingIntent),
		ttl:     ttl,
	}
}

func (s *MemoryStore) Put(ctx context.Context, checkoutRequestID string, intent *models.PendingIntent) error {
	s.mu.Lock()
	s.intents[checkoutRequestID] = intent
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, checkoutRequestID string) (*models.PendingIntent, error) {
	s.mu.RLock()
	intent, ok := s.intents[checkoutRequestID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrIntentNotFound
	}
	if time.Since(intent.CreatedAt) > s.ttl {
		// Expired but not yet swept; the sweep will collect it.
		return nil, ErrIntentNotFound
	}
	return intent, nil
}

func (s *MemoryStore) Delete(ctx context.Context, checkoutRequestID string) error {
	s.mu.Lock()
	delete(s.intents, checkoutRequestID)
	s.mu.Unlock()
	return nil
}

// SweepExpired removes every intent older than the TTL and returns how many
// were removed.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, intent := range s.intents {
		if intent.CreatedAt.Before(cutoff) {
			delete(s.intents, id)
			removed++
		}
	}
	return removed
}
