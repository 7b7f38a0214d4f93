package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/royalbot/royal-dispatch/domains/convo"
	"github.com/royalbot/royal-dispatch/infrastructure/valkey"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/royalbot/royal-dispatch/pkg/lru"
	"github.com/royalbot/royal-dispatch/usecase/repository"
	"github.com/sirupsen/logrus"
)

const (
	l1Capacity = 500
	l1TTL      = 5 * time.Minute
	l2TTL      = 1 * time.Hour
	cacheIO    = 1 * time.Second
)

// ContextStore resolves per-user conversation contexts across three tiers:
// an in-process LRU, the shared Valkey cache, and the durable store.
// Updates write through all tiers; reads promote upward on hit.
type ContextStore struct {
	l1 *lru.Cache[string, *convo.ConversationContext]
	l2 *valkey.Client // nil when cache is disabled
	l3 *repository.ContextGormRepository

	userLocks sync.Map // userID -> *sync.Mutex
	now       func() time.Time
}

func NewContextStore(l2 *valkey.Client, l3 *repository.ContextGormRepository) *ContextStore {
	return &ContextStore{
		l1:  lru.New[string, *convo.ConversationContext](l1Capacity, l1TTL),
		l2:  l2,
		l3:  l3,
		now: time.Now,
	}
}

func (s *ContextStore) lockFor(userID string) *sync.Mutex {
	mu, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Get walks L1 -> L2 -> L3. An unknown user gets a fresh context with no
// side effects; nothing is stored until the first Update.
func (s *ContextStore) Get(ctx context.Context, userID string) (*convo.ConversationContext, error) {
	if c, ok := s.l1.Get(userID); ok {
		return c.Clone(), nil
	}

	if c := s.l2Get(ctx, userID); c != nil {
		s.l1.Set(userID, c)
		return c.Clone(), nil
	}

	c, err := s.l3.Get(ctx, userID)
	if err != nil {
		return nil, faults.Wrap(faults.StoreUnavailable, "context load failed", err)
	}
	if c == nil {
		return convo.NewContext(userID, s.now()), nil
	}

	s.l1.Set(userID, c)
	s.l2Set(ctx, c)
	return c.Clone(), nil
}

// Update applies the mutator under the per-user lock, then writes through:
// L3 synchronously (its failure fails the dispatch as retriable), L1 and L2
// best-effort.
func (s *ContextStore) Update(ctx context.Context, userID string, mutate func(*convo.ConversationContext)) (*convo.ConversationContext, error) {
	mu := s.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	mutate(current)
	current.Touch(s.now())

	if err := s.l3.Save(ctx, current); err != nil {
		return nil, faults.Wrap(faults.StoreUnavailable, "context save failed", err)
	}
	s.l1.Set(userID, current.Clone())
	s.l2Set(ctx, current)
	return current, nil
}

// Touch refreshes lastInteraction across the tiers without a mutator.
func (s *ContextStore) Touch(ctx context.Context, userID string) error {
	_, err := s.Update(ctx, userID, func(*convo.ConversationContext) {})
	return err
}

// Invalidate drops the cached copies, forcing the next Get to hit L3.
func (s *ContextStore) Invalidate(ctx context.Context, userID string) {
	s.l1.Delete(userID)
	if s.l2 != nil {
		cctx, cancel := context.WithTimeout(ctx, cacheIO)
		defer cancel()
		_ = s.l2.Del(cctx, s.l2.Key("context", userID))
	}
}

// CacheAvailable reports L2 health for the health endpoint.
func (s *ContextStore) CacheAvailable() bool {
	return s.l2 != nil && s.l2.IsConnected()
}

// --- L2 helpers (best-effort; a miss or an outage degrades silently) ---

func (s *ContextStore) l2Get(ctx context.Context, userID string) *convo.ConversationContext {
	if s.l2 == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, cacheIO)
	defer cancel()

	raw, err := s.l2.Get(cctx, s.l2.Key("context", userID))
	if err != nil {
		if !valkey.IsNil(err) {
			logrus.WithError(err).Debug("[CONTEXT] L2 read failed, degrading to L1+L3")
		}
		return nil
	}
	var c convo.ConversationContext
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil
	}
	return &c
}

func (s *ContextStore) l2Set(ctx context.Context, c *convo.ConversationContext) {
	if s.l2 == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, cacheIO)
	defer cancel()
	if err := s.l2.SetEx(cctx, s.l2.Key("context", c.UserID), string(data), l2TTL); err != nil {
		logrus.WithError(err).Debug("[CONTEXT] L2 write failed")
	}
}
