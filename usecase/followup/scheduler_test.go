package followup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/royalbot/royal-dispatch/core/config"
	"github.com/royalbot/royal-dispatch/domains/botstate"
	"github.com/royalbot/royal-dispatch/domains/convo"
	"github.com/royalbot/royal-dispatch/domains/followup"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
)

// fakeRepo implementa followup.Repository en memoria para los tests.
type fakeRepo struct {
	jobs      map[string]*followup.Job
	blacklist map[string]bool
	rates     map[string]*followup.RateLimit
	history   []*followup.HistoryEntry
	responded map[string]time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		jobs:      make(map[string]*followup.Job),
		blacklist: make(map[string]bool),
		rates:     make(map[string]*followup.RateLimit),
		responded: make(map[string]time.Time),
	}
}

func (r *fakeRepo) InsertJob(_ context.Context, job *followup.Job) error {
	r.jobs[job.JobID] = job
	return nil
}

func (r *fakeRepo) DueJobs(_ context.Context, now time.Time, limit int) ([]*followup.Job, error) {
	var out []*followup.Job
	for _, j := range r.jobs {
		if j.Status == followup.JobPending && !j.ScheduledFor.After(now) {
			out = append(out, j)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) CancelPending(_ context.Context, userID string) (int, error) {
	n := 0
	for _, j := range r.jobs {
		if j.UserID == userID && j.Status == followup.JobPending {
			j.Status = followup.JobCancelled
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) MarkSent(_ context.Context, jobID string, at time.Time) error {
	if j, ok := r.jobs[jobID]; ok {
		j.Status = followup.JobSent
		j.ProcessedAt = &at
	}
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, jobID string, attempts int, rescheduleFor *time.Time) error {
	j, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	j.Attempts = attempts
	if rescheduleFor != nil {
		j.ScheduledFor = *rescheduleFor
	} else {
		j.Status = followup.JobFailed
	}
	return nil
}

func (r *fakeRepo) Reschedule(_ context.Context, jobID string, at time.Time) error {
	if j, ok := r.jobs[jobID]; ok {
		j.ScheduledFor = at
	}
	return nil
}

func (r *fakeRepo) PendingForUser(_ context.Context, userID string) ([]*followup.Job, error) {
	var out []*followup.Job
	for _, j := range r.jobs {
		if j.UserID == userID && j.Status == followup.JobPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *fakeRepo) IsBlacklisted(_ context.Context, userID string) (bool, error) {
	return r.blacklist[userID], nil
}

func (r *fakeRepo) AddToBlacklist(_ context.Context, userID, _ string) error {
	r.blacklist[userID] = true
	return nil
}

func (r *fakeRepo) RemoveFromBlacklist(_ context.Context, userID string) error {
	delete(r.blacklist, userID)
	return nil
}

func (r *fakeRepo) GetRateLimit(_ context.Context, userID string) (*followup.RateLimit, error) {
	return r.rates[userID], nil
}

func (r *fakeRepo) RecordSend(_ context.Context, userID string, at time.Time, civilDate string) error {
	rl, ok := r.rates[userID]
	if !ok || rl.ResetDate != civilDate {
		rl = &followup.RateLimit{UserID: userID, ResetDate: civilDate}
		r.rates[userID] = rl
	}
	rl.DailyCount++
	rl.LastSentAt = &at
	return nil
}

func (r *fakeRepo) AppendHistory(_ context.Context, entry *followup.HistoryEntry) error {
	r.history = append(r.history, entry)
	return nil
}

func (r *fakeRepo) MarkResponded(_ context.Context, userID string, at time.Time) error {
	r.responded[userID] = at
	return nil
}

func (r *fakeRepo) HistoryForUser(_ context.Context, userID string, limit int) ([]*followup.HistoryEntry, error) {
	var out []*followup.HistoryEntry
	for _, h := range r.history {
		if h.UserID == userID {
			out = append(out, h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) PurgeOld(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func (r *fakeRepo) pendingCount(userID string) int {
	n := 0
	for _, j := range r.jobs {
		if j.UserID == userID && j.Status == followup.JobPending {
			n++
		}
	}
	return n
}

// fakeMediator captura los despachos salientes.
type fakeMediator struct {
	sent []string
	err  error
}

func (m *fakeMediator) OnUserActivity(context.Context, string, *convo.ConversationContext) {}

func (m *fakeMediator) Dispatch(_ context.Context, _, text, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, text)
	return nil
}

// openGate nunca pausa.
type openGate struct{ paused map[string]bool }

func (g *openGate) IsPaused(_ context.Context, userID string) bool { return g.paused[userID] }
func (g *openGate) Status(context.Context, string) (*botstate.BotState, error) {
	return nil, nil
}
func (g *openGate) Pause(context.Context, string, string, string, time.Duration) error { return nil }
func (g *openGate) Resume(context.Context, string) error                               { return nil }
func (g *openGate) ForceActivate(context.Context, string) error                        { return nil }
func (g *openGate) ResumeAll(context.Context) (int, error)                             { return 0, nil }

// staticContexts devuelve siempre el mismo contexto.
type staticContexts struct{ c *convo.ConversationContext }

func (s *staticContexts) Get(context.Context, string) (*convo.ConversationContext, error) {
	return s.c, nil
}

// martes 10:00 de Córdoba, bien adentro de la ventana comercial
var insideWindow = time.Date(2026, 8, 25, 10, 0, 0, 0, time.FixedZone("-03", -3*3600))

func newTestScheduler(repo *fakeRepo, med *fakeMediator, gate *openGate, contexts ContextSource) *Scheduler {
	if contexts == nil {
		contexts = &staticContexts{}
	}
	s := NewScheduler(repo, contexts, gate, nil, metrics.New(), config.FollowUpConfig{
		Enabled:   true,
		StartHour: 9,
		EndHour:   21,
		Timezone:  "America/Argentina/Cordoba",
	})
	s.SetMediator(med)
	s.now = func() time.Time { return insideWindow }
	return s
}

func dueJob(repo *fakeRepo, userID string, stage int, takenAt time.Time) *followup.Job {
	job := &followup.Job{
		JobID:        "job-" + userID,
		UserID:       userID,
		Stage:        stage,
		ScheduledFor: insideWindow.Add(-time.Minute),
		Status:       followup.JobPending,
		Snapshot:     followup.ContextSnapshot{TakenAt: takenAt},
	}
	repo.jobs[job.JobID] = job
	return job
}

// Test: la actividad del usuario cancela lo pendiente y arma la etapa 0.
func TestScheduler_OnUserActivityArmsStageZero(t *testing.T) {
	repo := newFakeRepo()
	s := newTestScheduler(repo, &fakeMediator{}, &openGate{}, nil)

	dueJob(repo, "u1", 5, insideWindow.Add(-time.Hour))
	s.OnUserActivity(context.Background(), "u1", convo.NewContext("u1", insideWindow))

	require.Equal(t, 1, repo.pendingCount("u1"))
	for _, j := range repo.jobs {
		if j.Status == followup.JobPending {
			assert.Equal(t, 0, j.Stage)
			assert.Equal(t, insideWindow.Add(time.Hour), j.ScheduledFor, "la etapa 0 dispara a la hora")
		}
	}
}

// Test: un usuario en blacklist nunca arma cadena.
func TestScheduler_BlacklistedUserNeverArmed(t *testing.T) {
	repo := newFakeRepo()
	s := newTestScheduler(repo, &fakeMediator{}, &openGate{}, nil)

	require.NoError(t, s.Blacklist(context.Background(), "u1", "pidió no ser contactado"))
	s.OnUserActivity(context.Background(), "u1", nil)
	assert.Equal(t, 0, repo.pendingCount("u1"))
}

// Test: reactivar a un usuario lo saca de la blacklist y re-arma la
// etapa 0.
func TestScheduler_ActivateUserRearmsChain(t *testing.T) {
	repo := newFakeRepo()
	s := newTestScheduler(repo, &fakeMediator{}, &openGate{}, nil)

	require.NoError(t, s.Blacklist(context.Background(), "u1", "no molestar"))
	require.NoError(t, s.ActivateUser(context.Background(), "u1"))

	blocked, err := repo.IsBlacklisted(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, blocked)
	require.Equal(t, 1, repo.pendingCount("u1"))
	for _, j := range repo.jobs {
		if j.Status == followup.JobPending {
			assert.Equal(t, 0, j.Stage)
			assert.Equal(t, insideWindow.Add(time.Hour), j.ScheduledFor)
		}
	}
}

// Test: desactivar a un usuario cancela lo pendiente y lo deja en
// blacklist.
func TestScheduler_DeactivateUserBlacklists(t *testing.T) {
	repo := newFakeRepo()
	s := newTestScheduler(repo, &fakeMediator{}, &openGate{}, nil)

	dueJob(repo, "u1", 3, insideWindow.Add(-time.Hour))
	require.NoError(t, s.DeactivateUser(context.Background(), "u1", ""))

	blocked, err := repo.IsBlacklisted(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, 0, repo.pendingCount("u1"))
}

// Test: un job vencido dentro de la ventana se envía y encadena la
// etapa siguiente.
func TestScheduler_SendsAndArmsNext(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	s := newTestScheduler(repo, med, &openGate{}, nil)

	job := dueJob(repo, "u1", 0, insideWindow.Add(-2*time.Hour))
	s.process(context.Background(), job, insideWindow)

	require.Len(t, med.sent, 1)
	assert.Equal(t, followup.JobSent, job.Status)
	assert.Len(t, repo.history, 1)
	require.Equal(t, 1, repo.pendingCount("u1"), "queda armada la etapa siguiente")
	for _, j := range repo.jobs {
		if j.Status == followup.JobPending {
			assert.Equal(t, 1, j.Stage)
			// el offset se cuenta desde la actividad, no desde este envío
			assert.Equal(t, job.Snapshot.TakenAt.Add(24*time.Hour), j.ScheduledFor)
		}
	}
}

// Test: la cadencia es acumulativa desde la última actividad del
// usuario: si la etapa 1 (24h) se envía, la 2 queda para actividad+48h,
// no para envío+48h.
func TestScheduler_CadenceAnchoredToActivity(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	s := newTestScheduler(repo, med, &openGate{}, nil)

	activity := insideWindow.Add(-24 * time.Hour)
	job := dueJob(repo, "u1", 1, activity)
	s.process(context.Background(), job, insideWindow)

	require.Len(t, med.sent, 1)
	for _, j := range repo.jobs {
		if j.Status == followup.JobPending {
			assert.Equal(t, 2, j.Stage)
			assert.Equal(t, activity.Add(48*time.Hour), j.ScheduledFor,
				"la etapa 2 dispara 48h después de la actividad")
		}
	}
}

// Test: si la cadena viene demorada (tope diario, pausas) y el horario
// acumulativo ya pasó, la etapa siguiente se agenda para ya mismo en
// vez de quedar en el pasado.
func TestScheduler_NextStageFlooredAtNow(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	s := newTestScheduler(repo, med, &openGate{}, nil)

	activity := insideWindow.Add(-96 * time.Hour)
	job := dueJob(repo, "u1", 1, activity)
	s.process(context.Background(), job, insideWindow)

	require.Len(t, med.sent, 1)
	for _, j := range repo.jobs {
		if j.Status == followup.JobPending {
			assert.Equal(t, 2, j.Stage)
			assert.Equal(t, insideWindow, j.ScheduledFor)
		}
	}
}

// Test: fuera de la ventana comercial el job se pospone al próximo
// horario hábil, sin gastar intentos.
func TestScheduler_PostponesOutsideBusinessWindow(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	s := newTestScheduler(repo, med, &openGate{}, nil)
	night := time.Date(2026, 8, 25, 23, 0, 0, 0, insideWindow.Location())
	s.now = func() time.Time { return night }

	job := dueJob(repo, "u1", 0, night.Add(-2*time.Hour))
	s.process(context.Background(), job, night)

	assert.Empty(t, med.sent)
	assert.Equal(t, followup.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.True(t, job.ScheduledFor.After(night), "reprogramado para la mañana siguiente")
	assert.Equal(t, 9, job.ScheduledFor.In(insideWindow.Location()).Hour())
}

// Test: los días hábiles son configurables; un día excluido pospone
// aunque la hora esté dentro de la ventana.
func TestScheduler_ConfigurableWeekdays(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	s := NewScheduler(repo, &staticContexts{}, &openGate{}, nil, metrics.New(), config.FollowUpConfig{
		Enabled:   true,
		StartHour: 9,
		EndHour:   21,
		// sin martes: insideWindow cae martes
		Weekdays: []time.Weekday{time.Monday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
		Timezone: "America/Argentina/Cordoba",
	})
	s.SetMediator(med)
	s.now = func() time.Time { return insideWindow }

	job := dueJob(repo, "u1", 0, insideWindow.Add(-2*time.Hour))
	s.process(context.Background(), job, insideWindow)

	assert.Empty(t, med.sent)
	assert.Equal(t, followup.JobPending, job.Status)
	assert.True(t, job.ScheduledFor.After(insideWindow), "pospuesto al próximo día habilitado")
}

// Test: el tope diario (1 por día civil) pospone a mañana.
func TestScheduler_DailyCapPostponesToTomorrow(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	s := newTestScheduler(repo, med, &openGate{}, nil)

	// ya se envió uno hoy
	require.NoError(t, repo.RecordSend(context.Background(), "u1", insideWindow, "2026-08-25"))

	job := dueJob(repo, "u1", 1, insideWindow.Add(-time.Hour))
	s.process(context.Background(), job, insideWindow)

	assert.Empty(t, med.sent)
	assert.True(t, job.ScheduledFor.After(insideWindow.Add(20*time.Hour)))
}

// Test: con el bot pausado se pospone 24h.
func TestScheduler_PausedUserPostponed(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	gate := &openGate{paused: map[string]bool{"u1": true}}
	s := newTestScheduler(repo, med, gate, nil)

	job := dueJob(repo, "u1", 0, insideWindow.Add(-time.Hour))
	s.process(context.Background(), job, insideWindow)

	assert.Empty(t, med.sent)
	assert.Equal(t, insideWindow.Add(24*time.Hour), job.ScheduledFor)
}

// Test: si el usuario escribió después del snapshot, la cadena quedó
// vieja y se cancela entera.
func TestScheduler_RespondedSinceSnapshotCancels(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	takenAt := insideWindow.Add(-48 * time.Hour)
	contexts := &staticContexts{c: &convo.ConversationContext{
		UserID:          "u1",
		LastInteraction: insideWindow.Add(-time.Hour), // posterior al snapshot
	}}
	s := newTestScheduler(repo, med, &openGate{}, contexts)

	job := dueJob(repo, "u1", 2, takenAt)
	s.process(context.Background(), job, insideWindow)

	assert.Empty(t, med.sent)
	assert.Equal(t, followup.JobCancelled, job.Status)
	assert.Equal(t, 0, repo.pendingCount("u1"))
}

// Test: motor desactivado pospone una hora.
func TestScheduler_DisabledPostponesOneHour(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	s := newTestScheduler(repo, med, &openGate{}, nil)
	s.Deactivate()

	job := dueJob(repo, "u1", 0, insideWindow.Add(-time.Hour))
	s.process(context.Background(), job, insideWindow)

	assert.Empty(t, med.sent)
	assert.Equal(t, insideWindow.Add(time.Hour), job.ScheduledFor)
}

// Test: un envío fallido reintenta a los 30 minutos hasta agotar
// intentos.
func TestScheduler_FailedSendRetries(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{err: assert.AnError}
	s := newTestScheduler(repo, med, &openGate{}, nil)

	job := dueJob(repo, "u1", 0, insideWindow.Add(-time.Hour))
	s.process(context.Background(), job, insideWindow)

	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, followup.JobPending, job.Status)
	assert.Equal(t, insideWindow.Add(retryDelay), job.ScheduledFor)

	job.ScheduledFor = insideWindow.Add(-time.Minute)
	s.process(context.Background(), job, insideWindow)
	require.Equal(t, 2, job.Attempts)

	// tercer fallo: se abandona
	job.ScheduledFor = insideWindow.Add(-time.Minute)
	s.process(context.Background(), job, insideWindow)
	assert.Equal(t, followup.JobFailed, job.Status)
}

// Test: en modo migración los fallos no se reintentan.
func TestScheduler_MigrationModeSkipsRetries(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{err: assert.AnError}
	s := newTestScheduler(repo, med, &openGate{}, nil)
	s.cfg.MigrationModeUntil = insideWindow.Add(time.Hour)

	job := dueJob(repo, "u1", 0, insideWindow.Add(-time.Hour))
	s.process(context.Background(), job, insideWindow)

	assert.Equal(t, followup.JobFailed, job.Status)
	assert.True(t, s.EngineStatus().MigrationMode)
}

// Test: la etapa de mantenimiento se re-arma a sí misma.
func TestScheduler_MaintenanceStageRearms(t *testing.T) {
	repo := newFakeRepo()
	med := &fakeMediator{}
	s := newTestScheduler(repo, med, &openGate{}, nil)

	job := dueJob(repo, "u1", followup.MaintenanceStage, insideWindow.Add(-time.Hour))
	s.process(context.Background(), job, insideWindow)

	require.Len(t, med.sent, 1)
	require.Equal(t, 1, repo.pendingCount("u1"))
	for _, j := range repo.jobs {
		if j.Status == followup.JobPending {
			assert.Equal(t, followup.MaintenanceStage, j.Stage)
			assert.Equal(t, insideWindow.Add(followup.MaintenanceInterval), j.ScheduledFor)
		}
	}
}
