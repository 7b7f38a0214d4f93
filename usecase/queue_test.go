package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/royalbot/royal-dispatch/domains/message"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
	"github.com/royalbot/royal-dispatch/usecase/repository"
)

func newTestQueue(t *testing.T) *PriorityQueue {
	t.Helper()
	// base en memoria con nombre propio para aislar cada test
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := repository.NewQueueGormRepository(db)
	require.NoError(t, repo.InitSchema(context.Background()))

	q := NewPriorityQueue(repo, metrics.New(), 20)
	// el ticker interno despierta los Lease bloqueados
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(cancel)
	return q
}

func submit(t *testing.T, q *PriorityQueue, user, text string, p message.Priority) *message.QueuedItem {
	t.Helper()
	item, err := q.Submit(context.Background(), message.InboundMessage{
		UserID:    user,
		Text:      text,
		Source:    message.SourceWhatsApp,
		ArrivedAt: time.Now(),
	}, p)
	require.NoError(t, err)
	return item
}

// Test: drena URGENT->LOW sin importar el orden de llegada.
func TestQueue_PriorityOrder(t *testing.T) {
	q := newTestQueue(t)

	submit(t, q, "user-low", "campaña", message.PriorityLow)
	submit(t, q, "user-normal", "consulta", message.PriorityNormal)
	submit(t, q, "user-urgent", "vip", message.PriorityUrgent)
	submit(t, q, "user-high", "problema", message.PriorityHigh)

	var order []string
	for i := 0; i < 4; i++ {
		item := q.Lease(context.Background(), "worker-1")
		require.NotNil(t, item)
		order = append(order, item.UserID)
		q.Ack(context.Background(), item.QueueID, true, nil)
	}
	assert.Equal(t, []string{"user-urgent", "user-high", "user-normal", "user-low"}, order)
}

// Test: FIFO estricto dentro del mismo nivel.
func TestQueue_FIFOWithinLevel(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < 3; i++ {
		submit(t, q, fmt.Sprintf("user-%d", i), fmt.Sprintf("msg %d", i), message.PriorityNormal)
	}
	for i := 0; i < 3; i++ {
		item := q.Lease(context.Background(), "worker-1")
		require.NotNil(t, item)
		assert.Equal(t, fmt.Sprintf("user-%d", i), item.UserID)
		q.Ack(context.Background(), item.QueueID, true, nil)
	}
}

// Test: fairness, un usuario con item en proceso no monopoliza workers.
func TestQueue_FairnessSkipsBusyUser(t *testing.T) {
	q := newTestQueue(t)

	submit(t, q, "heavy", "uno", message.PriorityNormal)
	submit(t, q, "heavy", "dos", message.PriorityNormal)
	submit(t, q, "light", "hola", message.PriorityNormal)

	first := q.Lease(context.Background(), "worker-1")
	require.NotNil(t, first)
	require.Equal(t, "heavy", first.UserID)

	// con "heavy" en vuelo, el segundo lease saltea su mensaje pendiente
	second := q.Lease(context.Background(), "worker-2")
	require.NotNil(t, second)
	assert.Equal(t, "light", second.UserID)

	// liberado el primero, su segundo mensaje vuelve a ser elegible
	q.Ack(context.Background(), first.QueueID, true, nil)
	third := q.Lease(context.Background(), "worker-1")
	require.NotNil(t, third)
	assert.Equal(t, "heavy", third.UserID)
	assert.Equal(t, "dos", third.Message.Text)
}

// Test: dedupe por hash reciente del mismo usuario.
func TestQueue_RejectsRecentDuplicate(t *testing.T) {
	q := newTestQueue(t)

	msg := message.InboundMessage{UserID: "u1", Text: "hola", Source: message.SourceWhatsApp}
	_, err := q.Submit(context.Background(), msg, message.PriorityNormal)
	require.NoError(t, err)

	_, err = q.Submit(context.Background(), msg, message.PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, faults.Duplicate, faults.KindOf(err))

	// otro texto del mismo usuario pasa
	_, err = q.Submit(context.Background(), message.InboundMessage{UserID: "u1", Text: "otra cosa"}, message.PriorityNormal)
	assert.NoError(t, err)
}

// Test: un persist fallido no deja el hash en el set reciente; el
// reintento legítimo del mismo texto entra cuando la base vuelve.
func TestQueue_FailedPersistDoesNotPoisonDedupe(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := repository.NewQueueGormRepository(db)
	require.NoError(t, repo.InitSchema(context.Background()))
	q := NewPriorityQueue(repo, metrics.New(), 20)

	// la base se cae justo antes del persist
	require.NoError(t, db.Migrator().DropTable("message_queue"))
	msg := message.InboundMessage{UserID: "u1", Text: "hola", Source: message.SourceWhatsApp, ArrivedAt: time.Now()}
	_, err = q.Submit(context.Background(), msg, message.PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, faults.StoreUnavailable, faults.KindOf(err))

	// recuperada la base, el mismo texto no cuenta como duplicado
	require.NoError(t, repo.InitSchema(context.Background()))
	_, err = q.Submit(context.Background(), msg, message.PriorityNormal)
	assert.NoError(t, err)
}

// Test: un fallo reintentable re-encola con backoff futuro.
func TestQueue_RetryWithBackoff(t *testing.T) {
	q := newTestQueue(t)

	item := submit(t, q, "u1", "hola", message.PriorityNormal)

	leased := q.Lease(context.Background(), "worker-1")
	require.NotNil(t, leased)
	q.Ack(context.Background(), leased.QueueID, false, faults.New(faults.TransientAgent, "model timeout"))

	assert.Equal(t, 1, q.Depth(), "el item vuelve a la cola")
	assert.Equal(t, 1, item.Attempts)
	assert.True(t, item.ScheduledAt.After(time.Now()), "no es elegible hasta que venza el backoff")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Nil(t, q.Lease(ctx, "worker-1"), "el backoff lo mantiene inelegible")
}

// Test: al tercer intento fallido pasa a dead_letter y dispara el hook.
func TestQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t)

	var dead *message.QueuedItem
	q.OnDeadLetter = func(item *message.QueuedItem) { dead = item }

	item := submit(t, q, "u1", "hola", message.PriorityNormal)
	cause := faults.New(faults.TransientAgent, "model down")

	for attempt := 0; attempt < message.MaxAttempts; attempt++ {
		// adelantamos el backoff para no esperar de verdad
		item.ScheduledAt = time.Now().Add(-time.Second)
		leased := q.Lease(context.Background(), "worker-1")
		require.NotNil(t, leased)
		q.Ack(context.Background(), leased.QueueID, false, cause)
	}

	require.NotNil(t, dead, "OnDeadLetter debe dispararse")
	assert.Equal(t, message.StatusDeadLetter, dead.Status)
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, int64(1), q.Stats().DeadLettered)
}

// Test: un error permanente va directo a dead_letter sin reintentos.
func TestQueue_PermanentErrorSkipsRetry(t *testing.T) {
	q := newTestQueue(t)

	var dead *message.QueuedItem
	q.OnDeadLetter = func(item *message.QueuedItem) { dead = item }

	submit(t, q, "u1", "hola", message.PriorityNormal)
	leased := q.Lease(context.Background(), "worker-1")
	require.NotNil(t, leased)
	q.Ack(context.Background(), leased.QueueID, false, faults.New(faults.PermanentAgent, "invalid api key"))

	require.NotNil(t, dead)
	assert.Equal(t, 0, q.Depth())
}

// Test: Restore recarga items como pendientes y repone el dedupe.
func TestQueue_Restore(t *testing.T) {
	q := newTestQueue(t)

	msg := message.InboundMessage{UserID: "u1", Text: "hola", Source: message.SourceWhatsApp}
	q.Restore([]*message.QueuedItem{{
		QueueID:     "restored-1",
		UserID:      "u1",
		Message:     msg,
		Priority:    message.PriorityNormal,
		Status:      message.StatusProcessing,
		CreatedAt:   time.Now(),
		ScheduledAt: time.Now(),
	}})

	assert.Equal(t, 1, q.Depth())
	_, err := q.Submit(context.Background(), msg, message.PriorityNormal)
	assert.Equal(t, faults.Duplicate, faults.KindOf(err), "el hash restaurado también deduplica")

	item := q.Lease(context.Background(), "worker-1")
	require.NotNil(t, item)
	assert.Equal(t, "restored-1", item.QueueID)
	assert.Equal(t, message.StatusProcessing, item.Status)
}
