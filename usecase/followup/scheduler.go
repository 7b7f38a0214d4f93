// Package followup implementa el motor de seguimiento: una cadena de 14
// etapas de re-contacto por usuario, con timers durables, ventana
// horaria comercial, tope diario y blacklist.
package followup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/royalbot/royal-dispatch/core/config"
	"github.com/royalbot/royal-dispatch/domains/agent"
	"github.com/royalbot/royal-dispatch/domains/botstate"
	"github.com/royalbot/royal-dispatch/domains/convo"
	"github.com/royalbot/royal-dispatch/domains/followup"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
	"github.com/royalbot/royal-dispatch/pkg/timeutils"
	"github.com/sirupsen/logrus"
)

// Guard labels reported on skipped/deferred sends.
const (
	guardDisabled  = "disabled"
	guardBlacklist = "blacklist"
	guardWindow    = "business_window"
	guardDailyCap  = "daily_cap"
	guardPaused    = "paused"
	guardResponded = "responded"
	guardMigration = "migration_mode"
)

const (
	tickBatch          = 50
	retryDelay         = 30 * time.Minute
	historyKeep        = 90 * 24 * time.Hour
	personalizeTimeout = 10 * time.Second
)

// ContextSource is the slice of the context store the scheduler reads.
type ContextSource interface {
	Get(ctx context.Context, userID string) (*convo.ConversationContext, error)
}

// Status is the admin-facing snapshot of the engine.
type Status struct {
	Enabled       bool      `json:"enabled"`
	MigrationMode bool      `json:"migration_mode"`
	NextTick      string    `json:"next_tick,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Scheduler arma y dispara los follow-ups. Los timers viven en la base
// (follow_up_jobs); el cron de un minuto solo pregunta qué venció.
type Scheduler struct {
	repo     followup.Repository
	contexts ContextSource
	mediator agent.Mediator
	gate     botstate.Gate
	ai       agent.Agent // opcional: personaliza la plantilla
	metrics  *metrics.Metrics

	window timeutils.BusinessWindow
	zone   *time.Location
	cfg    config.FollowUpConfig

	cron *cron.Cron
	now  func() time.Time

	mu      sync.Mutex
	enabled bool
}

func NewScheduler(
	repo followup.Repository,
	contexts ContextSource,
	gate botstate.Gate,
	ai agent.Agent,
	m *metrics.Metrics,
	cfg config.FollowUpConfig,
) *Scheduler {
	zone := timeutils.LoadZone(cfg.Timezone)
	window := timeutils.DefaultWindow(zone)
	if cfg.StartHour > 0 {
		window.StartHour = cfg.StartHour
	}
	if cfg.EndHour > 0 {
		window.EndHour = cfg.EndHour
	}
	if len(cfg.Weekdays) > 0 {
		window.Weekdays = make(map[time.Weekday]bool, len(cfg.Weekdays))
		for _, d := range cfg.Weekdays {
			window.Weekdays[d] = true
		}
	}
	return &Scheduler{
		repo:     repo,
		contexts: contexts,
		gate:     gate,
		ai:       ai,
		metrics:  m,
		window:   window,
		zone:     zone,
		cfg:      cfg,
		now:      time.Now,
		enabled:  cfg.Enabled,
	}
}

// SetMediator se llama en el wiring, después de construir el pipeline.
func (s *Scheduler) SetMediator(m agent.Mediator) { s.mediator = m }

// Start arranca el cron: tick de un minuto para jobs vencidos y limpieza
// diaria a las 02:00.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithLocation(s.zone))
	if _, err := s.cron.AddFunc("@every 1m", s.tick); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 2 * * *", s.cleanup); err != nil {
		return err
	}
	s.cron.Start()
	logrus.Infof("[FOLLOWUP] scheduler started (enabled=%v tz=%s window=%d-%d)",
		s.Enabled(), s.zone, s.window.StartHour, s.window.EndHour)
	return nil
}

// Stop frena el cron y espera el tick en curso.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Activate / Deactivate togglean el motor sin tocar los jobs durables.
func (s *Scheduler) Activate() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	logrus.Info("[FOLLOWUP] engine activated")
}

func (s *Scheduler) Deactivate() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	logrus.Info("[FOLLOWUP] engine deactivated")
}

func (s *Scheduler) EngineStatus() Status {
	now := s.now()
	return Status{
		Enabled:       s.Enabled(),
		MigrationMode: s.migrationMode(now),
		CheckedAt:     now,
	}
}

// migrationMode suprime reintentos de envíos fallidos durante la ventana
// de migración de datos históricos.
func (s *Scheduler) migrationMode(now time.Time) bool {
	return !s.cfg.MigrationModeUntil.IsZero() && now.Before(s.cfg.MigrationModeUntil)
}

// OnUserActivity resetea la cadena: cancela todo lo pendiente, toma un
// snapshot fresco de la conversación y arma la etapa 0.
func (s *Scheduler) OnUserActivity(ctx context.Context, userID string, conversation *convo.ConversationContext) {
	if userID == "" {
		return
	}
	if blocked, err := s.repo.IsBlacklisted(ctx, userID); err != nil {
		logrus.WithError(err).Warnf("[FOLLOWUP] blacklist check failed for %s", userID)
		return
	} else if blocked {
		return
	}

	if n, err := s.repo.CancelPending(ctx, userID); err != nil {
		logrus.WithError(err).Warnf("[FOLLOWUP] failed to cancel pending jobs for %s", userID)
		return
	} else if n > 0 {
		logrus.Debugf("[FOLLOWUP] cancelled %d pending jobs for %s (new activity)", n, userID)
	}

	now := s.now()
	snap := snapshotOf(conversation, now)
	if err := s.arm(ctx, userID, 0, snap, now); err != nil {
		logrus.WithError(err).Warnf("[FOLLOWUP] failed to arm stage 0 for %s", userID)
	}
}

// arm persiste el job de una etapa. El repositorio garantiza a lo sumo
// un pending por (usuario, etapa). Si el horario calculado ya pasó
// (cadenas demoradas por tope diario o pausa), se agenda para ya mismo.
func (s *Scheduler) arm(ctx context.Context, userID string, stage int, snap followup.ContextSnapshot, base time.Time) error {
	at := base.Add(followup.OffsetFor(stage))
	if now := s.now(); at.Before(now) {
		at = now
	}
	job := &followup.Job{
		JobID:        uuid.New().String(),
		UserID:       userID,
		Stage:        stage,
		ScheduledFor: at,
		Status:       followup.JobPending,
		Snapshot:     snap,
		CreatedAt:    s.now(),
	}
	if err := s.repo.InsertJob(ctx, job); err != nil {
		return err
	}
	s.metrics.FollowupArmed.Inc()
	logrus.Debugf("[FOLLOWUP] armed stage %d for %s at %s", stage, userID, job.ScheduledFor.In(s.zone).Format(time.RFC3339))
	return nil
}

// tick procesa un lote de jobs vencidos.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
	defer cancel()

	now := s.now()
	jobs, err := s.repo.DueJobs(ctx, now, tickBatch)
	if err != nil {
		logrus.WithError(err).Warn("[FOLLOWUP] failed to load due jobs")
		return
	}
	for _, job := range jobs {
		s.process(ctx, job, now)
	}
}

// process aplica los guards en orden y, si todos pasan, envía.
func (s *Scheduler) process(ctx context.Context, job *followup.Job, now time.Time) {
	log := logrus.WithFields(logrus.Fields{"user": job.UserID, "stage": job.Stage, "job": job.JobID})

	if !s.Enabled() {
		s.postpone(ctx, job, now.Add(time.Hour), guardDisabled)
		return
	}

	if blocked, err := s.repo.IsBlacklisted(ctx, job.UserID); err == nil && blocked {
		s.metrics.FollowupSkipped.WithLabelValues(guardBlacklist).Inc()
		if _, err := s.repo.CancelPending(ctx, job.UserID); err != nil {
			log.WithError(err).Warn("[FOLLOWUP] failed to cancel blacklisted user's jobs")
		}
		return
	}

	if !s.window.Contains(now) {
		s.postpone(ctx, job, s.window.Adjust(now), guardWindow)
		return
	}

	if capped, err := s.dailyCapReached(ctx, job.UserID, now); err != nil {
		log.WithError(err).Warn("[FOLLOWUP] rate limit check failed")
		return
	} else if capped {
		// mañana, dentro de la ventana
		s.postpone(ctx, job, s.window.Adjust(now.Add(24*time.Hour)), guardDailyCap)
		return
	}

	if s.gate.IsPaused(ctx, job.UserID) {
		s.postpone(ctx, job, now.Add(24*time.Hour), guardPaused)
		return
	}

	// si el usuario escribió después del snapshot, la cadena quedó vieja
	if conversation, err := s.contexts.Get(ctx, job.UserID); err == nil && conversation != nil {
		if conversation.LastInteraction.After(job.Snapshot.TakenAt) {
			s.metrics.FollowupSkipped.WithLabelValues(guardResponded).Inc()
			if _, err := s.repo.CancelPending(ctx, job.UserID); err != nil {
				log.WithError(err).Warn("[FOLLOWUP] failed to cancel stale jobs")
			}
			return
		}
	}

	s.send(ctx, job, now, log)
}

// postpone re-agenda un job sin gastar intentos.
func (s *Scheduler) postpone(ctx context.Context, job *followup.Job, until time.Time, guard string) {
	s.metrics.FollowupSkipped.WithLabelValues(guard).Inc()
	if err := s.repo.Reschedule(ctx, job.JobID, until); err != nil {
		logrus.WithError(err).Warnf("[FOLLOWUP] failed to reschedule %s", job.JobID)
	}
}

func (s *Scheduler) dailyCapReached(ctx context.Context, userID string, now time.Time) (bool, error) {
	rl, err := s.repo.GetRateLimit(ctx, userID)
	if err != nil {
		return false, err
	}
	if rl == nil {
		return false, nil
	}
	today := timeutils.CivilDate(now, s.zone)
	return rl.ResetDate == today && rl.DailyCount >= followup.DailyCap, nil
}

func (s *Scheduler) send(ctx context.Context, job *followup.Job, now time.Time, log *logrus.Entry) {
	text := RenderTemplate(job.Stage, job.Snapshot, now)
	text = s.personalize(ctx, job, text)

	source := job.Snapshot.Source
	if source == "" {
		source = "whatsapp"
	}

	if err := s.mediator.Dispatch(ctx, job.UserID, text, source); err != nil {
		s.handleSendFailure(ctx, job, now, err, log)
		return
	}

	if err := s.repo.MarkSent(ctx, job.JobID, now); err != nil {
		log.WithError(err).Warn("[FOLLOWUP] failed to mark job sent")
	}
	if err := s.repo.AppendHistory(ctx, &followup.HistoryEntry{
		UserID:      job.UserID,
		Stage:       job.Stage,
		MessageSent: text,
		SentAt:      now,
	}); err != nil {
		log.WithError(err).Warn("[FOLLOWUP] failed to append history")
	}
	if err := s.repo.RecordSend(ctx, job.UserID, now, timeutils.CivilDate(now, s.zone)); err != nil {
		log.WithError(err).Warn("[FOLLOWUP] failed to record daily send")
	}
	s.metrics.FollowupFired.Inc()
	log.Info("[FOLLOWUP] sent")

	s.armNext(ctx, job, now, log)
}

// armNext encadena la etapa siguiente. Los offsets son acumulativos
// desde la actividad del usuario (el instante del snapshot), no desde
// el envío anterior; la de mantenimiento sí se re-arma desde el envío,
// cada 15 días.
func (s *Scheduler) armNext(ctx context.Context, job *followup.Job, now time.Time, log *logrus.Entry) {
	next := job.Stage + 1
	base := job.Snapshot.TakenAt
	if next >= followup.MaintenanceStage {
		next = followup.MaintenanceStage
		base = now
	}
	if err := s.arm(ctx, job.UserID, next, job.Snapshot, base); err != nil {
		log.WithError(err).Warnf("[FOLLOWUP] failed to arm stage %d", next)
	}
}

func (s *Scheduler) handleSendFailure(ctx context.Context, job *followup.Job, now time.Time, cause error, log *logrus.Entry) {
	log.WithError(cause).Warn("[FOLLOWUP] send failed")

	if s.migrationMode(now) {
		// en migración no reintentamos: demasiados contactos históricos
		s.metrics.FollowupSkipped.WithLabelValues(guardMigration).Inc()
		if err := s.repo.MarkFailed(ctx, job.JobID, job.Attempts+1, nil); err != nil {
			log.WithError(err).Warn("[FOLLOWUP] failed to mark job failed")
		}
		return
	}

	attempts := job.Attempts + 1
	var retry *time.Time
	if attempts < followup.MaxAttempts {
		at := now.Add(time.Duration(attempts) * retryDelay)
		retry = &at
	}
	if err := s.repo.MarkFailed(ctx, job.JobID, attempts, retry); err != nil {
		log.WithError(err).Warn("[FOLLOWUP] failed to mark job failed")
	}
}

// personalize reescribe la plantilla con el agente cuando está
// disponible; ante cualquier error vuelve a la plantilla tal cual.
func (s *Scheduler) personalize(ctx context.Context, job *followup.Job, base string) string {
	if s.ai == nil {
		return base
	}
	conversation, err := s.contexts.Get(ctx, job.UserID)
	if err != nil || conversation == nil {
		return base
	}
	actx, cancel := context.WithTimeout(ctx, personalizeTimeout)
	defer cancel()
	prompt := fmt.Sprintf(
		"Reescribí este mensaje de seguimiento manteniendo el tono y la intención, en una sola versión, sin agregar ofertas inventadas: %q",
		base,
	)
	text, err := s.ai.InferReply(actx, conversation, prompt)
	if err != nil || text == "" {
		return base
	}
	return text
}

// cleanup purga jobs terminales e historial viejos.
func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.repo.PurgeOld(ctx, s.now().Add(-historyKeep))
	if err != nil {
		logrus.WithError(err).Warn("[FOLLOWUP] cleanup failed")
		return
	}
	if n > 0 {
		logrus.Infof("[FOLLOWUP] purged %d old records", n)
	}
}

// Blacklist management, expuesto por los endpoints de administración.
func (s *Scheduler) Blacklist(ctx context.Context, userID, reason string) error {
	if _, err := s.repo.CancelPending(ctx, userID); err != nil {
		return err
	}
	return s.repo.AddToBlacklist(ctx, userID, reason)
}

func (s *Scheduler) Unblacklist(ctx context.Context, userID string) error {
	return s.repo.RemoveFromBlacklist(ctx, userID)
}

// ActivateUser rehabilita el seguimiento de un usuario puntual: lo saca
// de la blacklist y re-arma la etapa 0 con un snapshot fresco.
func (s *Scheduler) ActivateUser(ctx context.Context, userID string) error {
	if err := s.repo.RemoveFromBlacklist(ctx, userID); err != nil {
		return err
	}
	conversation, err := s.contexts.Get(ctx, userID)
	if err != nil {
		conversation = nil
	}
	now := s.now()
	return s.arm(ctx, userID, 0, snapshotOf(conversation, now), now)
}

// DeactivateUser corta el seguimiento de un usuario puntual: cancela lo
// pendiente y lo deja en blacklist.
func (s *Scheduler) DeactivateUser(ctx context.Context, userID, reason string) error {
	if reason == "" {
		reason = "deactivated by operator"
	}
	return s.Blacklist(ctx, userID, reason)
}

// UserStatus junta los pendientes y el historial reciente de un usuario.
func (s *Scheduler) UserStatus(ctx context.Context, userID string) (map[string]any, error) {
	pending, err := s.repo.PendingForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.HistoryForUser(ctx, userID, 10)
	if err != nil {
		return nil, err
	}
	blocked, err := s.repo.IsBlacklisted(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id":     userID,
		"blacklisted": blocked,
		"pending":     pending,
		"history":     history,
	}, nil
}

// snapshotOf captura del contexto lo necesario para renderizar
// plantillas meses después, aunque el contexto vivo haya cambiado.
func snapshotOf(c *convo.ConversationContext, now time.Time) followup.ContextSnapshot {
	snap := followup.ContextSnapshot{TakenAt: now, LastInteraction: now}
	if c == nil {
		return snap
	}
	snap.ProfileType = c.Profile.Type
	snap.EngagementLevel = c.Profile.EngagementLevel
	snap.BudgetMentioned = c.Profile.BudgetMentioned
	snap.Questions = append([]string(nil), c.Profile.QuestionsAsked...)
	snap.Objections = append([]string(nil), c.Profile.ObjectionsRaised...)
	snap.InteractionCount = c.InteractionCount
	snap.LastInteraction = c.LastInteraction
	for _, p := range c.RecentProducts {
		snap.Products = append(snap.Products, p.Name)
	}
	return snap
}
