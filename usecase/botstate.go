package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/royalbot/royal-dispatch/domains/botstate"
	"github.com/royalbot/royal-dispatch/infrastructure/valkey"
	"github.com/royalbot/royal-dispatch/usecase/repository"
	"github.com/sirupsen/logrus"
)

// BotStateService implements the pause/resume gate. Records live in the
// shared cache with a TTL for automatic expiry and are mirrored to the
// durable store for crash recovery. A force-active record is sticky: only
// an explicit operator action replaces it.
type BotStateService struct {
	cache  *valkey.Client // nil when cache is disabled
	mirror *repository.BotStateGormRepository
	now    func() time.Time
}

func NewBotStateService(cache *valkey.Client, mirror *repository.BotStateGormRepository) *BotStateService {
	return &BotStateService{cache: cache, mirror: mirror, now: time.Now}
}

var _ botstate.Gate = (*BotStateService)(nil)

// IsPaused is the hot-path check the worker runs before dispatching.
// Errors degrade to "active": a broken gate must not silence the bot.
func (s *BotStateService) IsPaused(ctx context.Context, userID string) bool {
	st, err := s.Status(ctx, userID)
	if err != nil {
		logrus.WithError(err).Warnf("[BOT_STATE] status check failed for %s, treating as active", userID)
		return false
	}
	return st != nil && st.Paused && !st.Expired(s.now())
}

// Status returns the effective record, or nil when the user is active.
func (s *BotStateService) Status(ctx context.Context, userID string) (*botstate.BotState, error) {
	if st := s.cacheGet(ctx, userID); st != nil {
		if st.Expired(s.now()) {
			return nil, nil
		}
		return st, nil
	}

	// Cache miss: consult the mirror (post-restart) and repopulate.
	st, err := s.mirror.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st == nil || st.Expired(s.now()) {
		return nil, nil
	}
	s.cacheSet(ctx, st)
	return st, nil
}

// Pause is idempotent: pausing an already-paused user refreshes reason and
// expiry. A force-active user is only demoted by an operator.
func (s *BotStateService) Pause(ctx context.Context, userID, reason, setBy string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = botstate.DefaultTTL
	}
	current, err := s.Status(ctx, userID)
	if err != nil {
		return err
	}
	if current != nil && current.ForceActive && setBy != "operator" {
		logrus.Infof("[BOT_STATE] ignoring pause for force-active user %s (by %s)", userID, setBy)
		return nil
	}

	now := s.now()
	expires := now.Add(ttl)
	st := &botstate.BotState{
		UserID:    userID,
		Paused:    true,
		Reason:    reason,
		SetBy:     setBy,
		PausedAt:  now,
		ExpiresAt: &expires,
	}
	if err := s.mirror.Save(ctx, st); err != nil {
		return err
	}
	s.cacheSet(ctx, st)
	logrus.Infof("[BOT_STATE] paused %s (reason=%s by=%s ttl=%s)", userID, reason, setBy, ttl)
	return nil
}

// Resume clears the record entirely, force-active flag included.
func (s *BotStateService) Resume(ctx context.Context, userID string) error {
	if err := s.mirror.Delete(ctx, userID); err != nil {
		return err
	}
	s.cacheDel(ctx, userID)
	logrus.Infof("[BOT_STATE] resumed %s", userID)
	return nil
}

// ForceActivate clears any pause and pins the user active until an
// operator explicitly resumes or pauses them.
func (s *BotStateService) ForceActivate(ctx context.Context, userID string) error {
	st := &botstate.BotState{
		UserID:      userID,
		Paused:      false,
		Reason:      "force-active",
		SetBy:       "agent",
		ForceActive: true,
		PausedAt:    s.now(),
	}
	if err := s.mirror.Save(ctx, st); err != nil {
		return err
	}
	s.cacheSet(ctx, st)
	logrus.Infof("[BOT_STATE] force-activated %s", userID)
	return nil
}

// ResumeAll clears every paused record (operator escape hatch).
func (s *BotStateService) ResumeAll(ctx context.Context) (int, error) {
	ids, err := s.mirror.ResumeAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.cacheDel(ctx, id)
	}
	logrus.Infof("[BOT_STATE] resumed all (%d users)", len(ids))
	return len(ids), nil
}

// PurgeExpired is wired into the daily cleanup.
func (s *BotStateService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.mirror.PurgeExpired(ctx, s.now())
}

// --- cache helpers ---

func (s *BotStateService) cacheKey(userID string) string {
	return s.cache.Key("botstate", userID)
}

func (s *BotStateService) cacheGet(ctx context.Context, userID string) *botstate.BotState {
	if s.cache == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, cacheIO)
	defer cancel()
	raw, err := s.cache.Get(cctx, s.cacheKey(userID))
	if err != nil {
		return nil
	}
	var st botstate.BotState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil
	}
	return &st
}

func (s *BotStateService) cacheSet(ctx context.Context, st *botstate.BotState) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	ttl := botstate.DefaultTTL
	if st.ExpiresAt != nil {
		if d := st.ExpiresAt.Sub(s.now()); d > 0 {
			ttl = d
		}
	}
	cctx, cancel := context.WithTimeout(ctx, cacheIO)
	defer cancel()
	if err := s.cache.SetEx(cctx, s.cacheKey(st.UserID), string(data), ttl); err != nil {
		logrus.WithError(err).Debug("[BOT_STATE] cache write failed")
	}
}

func (s *BotStateService) cacheDel(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, cacheIO)
	defer cancel()
	_ = s.cache.Del(cctx, s.cacheKey(userID))
}
