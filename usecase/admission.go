package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/royalbot/royal-dispatch/core/config"
	"github.com/royalbot/royal-dispatch/domains/followup"
	"github.com/royalbot/royal-dispatch/infrastructure/valkey"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
	"github.com/royalbot/royal-dispatch/usecase/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RejectReason labels used both in metrics and in the REST reply body.
const (
	RejectEmpty      = "empty"
	RejectDuplicate  = "duplicate"
	RejectUserRate   = "user_rate"
	RejectIPRate     = "ip_rate"
	RejectGlobalRate = "global_rate"
	RejectBackpress  = "backpressure"
)

// BusyReply is sent back to the user when the queue is above its soft cap.
const BusyReply = "Estamos recibiendo muchos mensajes en este momento, te respondo en unos minutos."

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AdmissionService filtra los mensajes entrantes antes del coalescing:
// dedupe por (usuario, hash), rate limiting por usuario/IP/global y
// backpressure contra la profundidad de la cola.
type AdmissionService struct {
	cache    *valkey.Client
	rateRepo *repository.RateGormRepository
	followup followup.Repository
	metrics  *metrics.Metrics
	queue    interface{ Depth() int }
	vip      func(ctx context.Context, userID string) bool

	cfg config.RateConfig

	mu      sync.Mutex
	users   map[string]*userLimiter
	ips     map[string]*userLimiter
	global  *rate.Limiter
	seenMu  sync.Mutex
	seen    map[string]time.Time // fallback de dedupe cuando valkey no está
	softCap int
	now     func() time.Time
}

func NewAdmissionService(
	cache *valkey.Client,
	rateRepo *repository.RateGormRepository,
	fuRepo followup.Repository,
	m *metrics.Metrics,
	queue interface{ Depth() int },
	vip func(ctx context.Context, userID string) bool,
	cfg config.RateConfig,
	softCap int,
) *AdmissionService {
	perSec := rate.Limit(float64(cfg.GlobalPerMin) / 60.0)
	return &AdmissionService{
		cache:    cache,
		rateRepo: rateRepo,
		followup: fuRepo,
		metrics:  m,
		queue:    queue,
		vip:      vip,
		cfg:      cfg,
		users:    make(map[string]*userLimiter),
		ips:      make(map[string]*userLimiter),
		global:   rate.NewLimiter(perSec, cfg.GlobalPerMin),
		seen:     make(map[string]time.Time),
		softCap:  softCap,
		now:      time.Now,
	}
}

// Admit decide si un mensaje entra al pipeline. Retorna (backpressured,
// err): err != nil rechaza el mensaje, backpressured pide responder el
// texto de ocupado manteniendo HTTP 200.
func (s *AdmissionService) Admit(ctx context.Context, userID, text, hash, remoteIP string) (bool, error) {
	if userID == "" || text == "" {
		s.metrics.InboundRejected.WithLabelValues(RejectEmpty).Inc()
		return false, faults.New(faults.BadRequest, "empty message")
	}

	if s.isDuplicate(ctx, userID, hash) {
		s.metrics.InboundRejected.WithLabelValues(RejectDuplicate).Inc()
		logrus.Debugf("[ADMISSION] duplicate from %s dropped", userID)
		return false, faults.New(faults.Duplicate, "duplicate message")
	}

	isVIP := s.vip != nil && s.vip(ctx, userID)

	// VIP saltea el bucket por usuario pero no los de IP ni el global.
	if !isVIP && !s.take(s.users, userID, s.cfg.PerUserPerMin) {
		s.metrics.InboundRejected.WithLabelValues(RejectUserRate).Inc()
		return false, faults.New(faults.RateLimited, "user rate limit exceeded")
	}
	if remoteIP != "" && !s.take(s.ips, remoteIP, s.cfg.PerIPPerMin) {
		s.metrics.InboundRejected.WithLabelValues(RejectIPRate).Inc()
		return false, faults.New(faults.RateLimited, "ip rate limit exceeded")
	}
	if !s.global.Allow() {
		s.metrics.InboundRejected.WithLabelValues(RejectGlobalRate).Inc()
		return false, faults.New(faults.RateLimited, "global rate limit exceeded")
	}

	if s.queue != nil && s.softCap > 0 && s.queue.Depth() >= s.softCap {
		s.metrics.InboundRejected.WithLabelValues(RejectBackpress).Inc()
		logrus.Warnf("[ADMISSION] queue above soft cap (%d), backpressuring %s", s.softCap, userID)
		return true, nil
	}

	s.metrics.InboundAdmitted.Inc()

	// Un mensaje entrante resetea la cadena de follow-ups del usuario.
	if s.followup != nil {
		if _, err := s.followup.CancelPending(ctx, userID); err != nil {
			logrus.WithError(err).Warnf("[ADMISSION] failed to cancel follow-ups for %s", userID)
		}
		if err := s.followup.MarkResponded(ctx, userID, s.now()); err != nil {
			logrus.WithError(err).Warnf("[ADMISSION] failed to mark follow-up response for %s", userID)
		}
	}
	return false, nil
}

// isDuplicate usa SETNX con TTL en valkey; si el cache no está disponible
// cae a un mapa local con el mismo TTL para no dejar pasar duplicados.
func (s *AdmissionService) isDuplicate(ctx context.Context, userID, hash string) bool {
	if s.cache != nil && s.cache.IsConnected() {
		key := s.cache.Key("dedupe", userID, hash)
		cctx, cancel := context.WithTimeout(ctx, cacheIO)
		defer cancel()
		ok, err := s.cache.SetNxEx(cctx, key, "1", s.cfg.DedupeTTL)
		if err == nil {
			return !ok
		}
		logrus.WithError(err).Warn("[ADMISSION] dedupe cache error, using local fallback")
	}

	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	now := s.now()
	key := userID + ":" + hash
	if expiry, ok := s.seen[key]; ok && expiry.After(now) {
		return true
	}
	s.seen[key] = now.Add(s.cfg.DedupeTTL)
	// poda oportunista de entradas vencidas
	if len(s.seen) > 4096 {
		for k, exp := range s.seen {
			if exp.Before(now) {
				delete(s.seen, k)
			}
		}
	}
	return false
}

func (s *AdmissionService) take(buckets map[string]*userLimiter, key string, perMin int) bool {
	if perMin <= 0 {
		return true
	}
	s.mu.Lock()
	entry, ok := buckets[key]
	if !ok {
		entry = &userLimiter{limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)}
		buckets[key] = entry
	}
	entry.lastSeen = s.now()
	s.mu.Unlock()
	return entry.limiter.Allow()
}

// StartJanitor corre la limpieza de buckets inactivos y el volcado
// periódico de snapshots a la tabla rate_limits (solo observabilidad).
func (s *AdmissionService) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
				s.snapshot(ctx)
			}
		}
	}()
}

func (s *AdmissionService) sweep() {
	cutoff := s.now().Add(-10 * time.Minute)
	s.mu.Lock()
	for key, entry := range s.users {
		if entry.lastSeen.Before(cutoff) {
			delete(s.users, key)
		}
	}
	for key, entry := range s.ips {
		if entry.lastSeen.Before(cutoff) {
			delete(s.ips, key)
		}
	}
	s.mu.Unlock()
}

func (s *AdmissionService) snapshot(ctx context.Context) {
	if s.rateRepo == nil {
		return
	}
	s.mu.Lock()
	snaps := make([]repository.BucketSnapshot, 0, len(s.users))
	for key, entry := range s.users {
		used := s.cfg.PerUserPerMin - int(entry.limiter.Tokens())
		if used < 0 {
			used = 0
		}
		snaps = append(snaps, repository.BucketSnapshot{
			Identifier:      "user:" + key,
			WindowSeconds:   60,
			MaxRequests:     s.cfg.PerUserPerMin,
			CurrentRequests: used,
			WindowStart:     entry.lastSeen,
		})
	}
	s.mu.Unlock()
	if len(snaps) == 0 {
		return
	}
	if err := s.rateRepo.SaveSnapshots(ctx, snaps); err != nil {
		logrus.WithError(err).Debug("[ADMISSION] rate snapshot persist failed")
	}
}
