package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/royalbot/royal-dispatch/domains/message"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
	"github.com/royalbot/royal-dispatch/usecase/repository"
	"github.com/sirupsen/logrus"
)

// numLevels of the priority queue (URGENT..LOW).
const numLevels = 4

// QueueStats is the snapshot surfaced by the monitoring endpoint.
type QueueStats struct {
	Depth        int            `json:"depth"`
	ByPriority   map[string]int `json:"by_priority"`
	Processing   int            `json:"processing"`
	DeadLettered int64          `json:"dead_lettered"`
	Submitted    int64          `json:"submitted"`
	Completed    int64          `json:"completed"`
}

// PriorityQueue es la cola central de cuatro niveles: FIFO estricto dentro
// de cada nivel, drenado URGENT->LOW, con un hook de fairness que saltea
// items de usuarios que ya tienen uno en proceso.
type PriorityQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	levels          [numLevels][]*message.QueuedItem
	inflight        map[string]*message.QueuedItem // queueID -> item en processing
	processingUsers map[string]int                 // userID -> items en proceso
	recentHashes    map[string][]string            // userID -> hashes recientes (dedupe)

	repo    *repository.QueueGormRepository
	metrics *metrics.Metrics

	recentCap int
	closed    bool

	submitted    int64
	completed    int64
	deadLettered int64

	// OnDeadLetter corre fuera del lock cuando un item agota sus intentos.
	OnDeadLetter func(item *message.QueuedItem)
}

func NewPriorityQueue(repo *repository.QueueGormRepository, m *metrics.Metrics, recentCap int) *PriorityQueue {
	if recentCap <= 0 {
		recentCap = 20
	}
	q := &PriorityQueue{
		inflight:        make(map[string]*message.QueuedItem),
		processingUsers: make(map[string]int),
		recentHashes:    make(map[string][]string),
		repo:            repo,
		metrics:         m,
		recentCap:       recentCap,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start lanza el ticker que despierta a los workers cuando items diferidos
// (backoff) se vuelven elegibles, y cierra la cola al cancelar el contexto.
func (q *PriorityQueue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				q.Close()
				return
			case <-ticker.C:
				q.cond.Broadcast()
			}
		}
	}()
}

// Close despierta a todos los workers bloqueados en Lease.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Submit encola un mensaje ya coalescido. Deduplica por (userId, hash)
// contra el set reciente y persiste el item antes de publicarlo.
func (q *PriorityQueue) Submit(ctx context.Context, msg message.InboundMessage, priority message.Priority) (*message.QueuedItem, error) {
	hash := msg.Hash()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, faults.New(faults.BadRequest, "queue closed")
	}
	for _, h := range q.recentHashes[msg.UserID] {
		if h == hash {
			q.mu.Unlock()
			return nil, faults.New(faults.Duplicate, "recently queued message")
		}
	}
	q.mu.Unlock()

	now := time.Now()
	item := &message.QueuedItem{
		QueueID:     uuid.New().String(),
		UserID:      msg.UserID,
		Message:     msg,
		Priority:    priority,
		Status:      message.StatusPending,
		CreatedAt:   now,
		ScheduledAt: now,
	}

	// el hash se recuerda recién con el persist hecho: si la base falla,
	// el reintento legítimo del mismo texto tiene que poder entrar
	if err := q.repo.Insert(ctx, item); err != nil {
		return nil, faults.Wrap(faults.StoreUnavailable, "queue persist failed", err)
	}
	q.mu.Lock()
	q.rememberHash(msg.UserID, hash)
	q.mu.Unlock()

	q.push(item)
	q.metrics.QueueEnqueued.WithLabelValues(priority.String()).Inc()
	logrus.Debugf("[QUEUE] submitted %s for %s (priority=%s)", item.QueueID, item.UserID, priority)
	return item, nil
}

// Restore recarga items pendientes recuperados de la base al arrancar.
func (q *PriorityQueue) Restore(items []*message.QueuedItem) {
	for _, item := range items {
		item.Status = message.StatusPending
		q.push(item)
		q.mu.Lock()
		q.rememberHash(item.UserID, item.Message.Hash())
		q.mu.Unlock()
	}
	if len(items) > 0 {
		logrus.Infof("[QUEUE] restored %d pending items", len(items))
	}
}

func (q *PriorityQueue) push(item *message.QueuedItem) {
	q.mu.Lock()
	q.levels[item.Priority] = append(q.levels[item.Priority], item)
	q.submitted++
	q.mu.Unlock()
	q.metrics.QueueDepth.Set(float64(q.Depth()))
	q.cond.Signal()
}

// Lease bloquea hasta obtener el próximo item elegible para workerID, o
// retorna nil cuando la cola se cierra o el contexto termina.
func (q *PriorityQueue) Lease(ctx context.Context, workerID string) *message.QueuedItem {
	q.mu.Lock()
	for {
		if q.closed || ctx.Err() != nil {
			q.mu.Unlock()
			return nil
		}
		if item := q.takeEligible(time.Now()); item != nil {
			q.mu.Unlock()

			started := time.Now()
			item.Status = message.StatusProcessing
			item.WorkerID = workerID
			item.StartedAt = &started

			if err := q.repo.MarkProcessing(ctx, item.QueueID, workerID, started); err != nil {
				logrus.WithError(err).Warnf("[QUEUE] failed to stamp lease for %s", item.QueueID)
			}
			q.metrics.QueueLeased.WithLabelValues(item.Priority.String()).Inc()
			q.metrics.QueueDepth.Set(float64(q.Depth()))
			return item
		}
		q.cond.Wait()
	}
}

// takeEligible recorre URGENT->LOW respetando FIFO por nivel; saltea items
// aún no elegibles por backoff y los de usuarios con un item en proceso.
// Se llama con q.mu tomado.
func (q *PriorityQueue) takeEligible(now time.Time) *message.QueuedItem {
	for level := 0; level < numLevels; level++ {
		for i, item := range q.levels[level] {
			if item.ScheduledAt.After(now) {
				continue
			}
			if q.processingUsers[item.UserID] > 0 {
				// fairness: este usuario ya tiene un worker dedicado
				continue
			}
			q.levels[level] = append(q.levels[level][:i], q.levels[level][i+1:]...)
			q.inflight[item.QueueID] = item
			q.processingUsers[item.UserID]++
			return item
		}
	}
	return nil
}

// Ack cierra el ciclo de un item procesado. En fallo reintentable con
// intentos disponibles lo re-encola con backoff exponencial; agotados los
// intentos pasa a dead_letter y dispara OnDeadLetter.
func (q *PriorityQueue) Ack(ctx context.Context, queueID string, success bool, cause error) {
	q.mu.Lock()
	item, ok := q.inflight[queueID]
	if !ok {
		q.mu.Unlock()
		logrus.Warnf("[QUEUE] ack for unknown item %s", queueID)
		return
	}
	delete(q.inflight, queueID)
	if q.processingUsers[item.UserID] <= 1 {
		delete(q.processingUsers, item.UserID)
	} else {
		q.processingUsers[item.UserID]--
	}
	q.mu.Unlock()

	switch {
	case success:
		now := time.Now()
		item.Status = message.StatusCompleted
		item.CompletedAt = &now
		q.mu.Lock()
		q.completed++
		q.mu.Unlock()
		if err := q.repo.MarkTerminal(ctx, queueID, message.StatusCompleted, ""); err != nil {
			logrus.WithError(err).Warnf("[QUEUE] failed to mark %s completed", queueID)
		}
		q.metrics.QueueAcked.WithLabelValues("completed").Inc()

	case faults.Retriable(cause) && item.Attempts+1 < message.MaxAttempts:
		item.Attempts++
		item.Status = message.StatusPending
		backoff := message.Backoff(item.Attempts)
		if faults.KindOf(cause) == faults.CircuitOpen {
			// con el breaker abierto no tiene sentido reintentar enseguida
			backoff = 2 * backoff
		}
		item.ScheduledAt = time.Now().Add(backoff)
		item.LastError = cause.Error()
		item.WorkerID = ""
		if err := q.repo.MarkRetry(ctx, queueID, item.Attempts, item.ScheduledAt, item.LastError); err != nil {
			logrus.WithError(err).Warnf("[QUEUE] failed to mark %s for retry", queueID)
		}
		q.push(item)
		q.metrics.QueueAcked.WithLabelValues("retried").Inc()
		logrus.Infof("[QUEUE] retrying %s in %s (attempt %d/%d)", queueID, backoff, item.Attempts, message.MaxAttempts)

	default:
		item.Status = message.StatusDeadLetter
		if cause != nil {
			item.LastError = cause.Error()
		}
		q.mu.Lock()
		q.deadLettered++
		q.mu.Unlock()
		if err := q.repo.MarkTerminal(ctx, queueID, message.StatusDeadLetter, item.LastError); err != nil {
			logrus.WithError(err).Warnf("[QUEUE] failed to dead-letter %s", queueID)
		}
		q.metrics.QueueAcked.WithLabelValues("dead_letter").Inc()
		logrus.Errorf("[QUEUE] dead-lettered %s for %s: %s", queueID, item.UserID, item.LastError)
		if q.OnDeadLetter != nil {
			q.OnDeadLetter(item)
		}
	}
	q.metrics.QueueDepth.Set(float64(q.Depth()))
	q.cond.Broadcast()
}

// rememberHash mantiene el set acotado de hashes recientes por usuario.
// Se llama con q.mu tomado.
func (q *PriorityQueue) rememberHash(userID, hash string) {
	hashes := append(q.recentHashes[userID], hash)
	if len(hashes) > q.recentCap {
		hashes = hashes[len(hashes)-q.recentCap:]
	}
	q.recentHashes[userID] = hashes
}

// Depth retorna la cantidad de items pendientes en todos los niveles.
func (q *PriorityQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for level := 0; level < numLevels; level++ {
		depth += len(q.levels[level])
	}
	return depth
}

// Processing devuelve cuántos items están siendo atendidos por workers.
func (q *PriorityQueue) Processing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Stats arma el snapshot para monitoreo.
func (q *PriorityQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[string]int, numLevels)
	depth := 0
	for level := 0; level < numLevels; level++ {
		n := len(q.levels[level])
		byPriority[message.Priority(level).String()] = n
		depth += n
	}
	return QueueStats{
		Depth:        depth,
		ByPriority:   byPriority,
		Processing:   len(q.inflight),
		DeadLettered: q.deadLettered,
		Submitted:    q.submitted,
		Completed:    q.completed,
	}
}
