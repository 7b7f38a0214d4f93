// Package msgworker implementa el pool dinámico de workers que drena la
// cola de mensajes. El pool escala entre un mínimo y un máximo según la
// profundidad de la cola y la latencia observada.
package msgworker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// scaleInterval es cada cuánto evalúa el supervisor si escalar.
	scaleInterval = 30 * time.Second
	// idleWindows consecutivas con la cola vacía y baja utilización
	// antes de bajar un worker.
	idleWindows = 3
	// latencySamples acota el buffer para el cálculo de p95.
	latencySamples = 256
)

// Handler es un ciclo completo de worker: lease bloqueante, proceso y
// ack. Retorna cuánto tardó el procesamiento, medido desde que el lease
// entregó un item hasta su ack, y false cuando el lease volvió vacío
// (cierre o cancelación). La espera ociosa del lease no cuenta: con
// tráfico esporádico contaminaría la p95 y escalaría el pool sin carga.
type Handler func(ctx context.Context, workerID string) (time.Duration, bool)

// Source abstrae la cola: profundidad pendiente y items en proceso. Los
// workers bloqueados esperando lease no cuentan como ocupados.
type Source interface {
	Depth() int
	Processing() int
}

// Stats es el snapshot del pool para monitoreo y health.
type Stats struct {
	Workers     int     `json:"workers"`
	Busy        int     `json:"busy"`
	Min         int     `json:"min"`
	Max         int     `json:"max"`
	P95Latency  string  `json:"p95_latency"`
	Utilization float64 `json:"utilization"`
}

type worker struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool administra los workers. Cada worker tiene su propio contexto para
// poder bajarlo individualmente al reducir la escala.
type Pool struct {
	mu      sync.Mutex
	workers []*worker
	nextID  int

	min           int
	max           int
	targetLatency time.Duration
	drainTimeout  time.Duration

	latencies []time.Duration
	idleCount int
	lastScale time.Time

	handler Handler
	source  Source

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(min, max int, targetLatency, drainTimeout time.Duration, source Source, handler Handler) *Pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		min:           min,
		max:           max,
		targetLatency: targetLatency,
		drainTimeout:  drainTimeout,
		handler:       handler,
		source:        source,
		ctx:           ctx,
		cancel:        cancel,
		lastScale:     time.Now(),
	}
}

// Start arranca los workers mínimos y el supervisor de escalado.
func (p *Pool) Start() {
	p.mu.Lock()
	for i := 0; i < p.min; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.supervise()
	logrus.Infof("[WORKER_POOL] started with %d workers (min=%d max=%d)", p.min, p.min, p.max)
}

// spawnLocked crea un worker con su propio contexto cancelable.
// Se llama con p.mu tomado.
func (p *Pool) spawnLocked() {
	p.nextID++
	wctx, wcancel := context.WithCancel(p.ctx)
	w := &worker{
		id:     fmt.Sprintf("worker-%d", p.nextID),
		cancel: wcancel,
		done:   make(chan struct{}),
	}
	p.workers = append(p.workers, w)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(w.done)
		logrus.Debugf("[WORKER_POOL] %s up", w.id)
		for wctx.Err() == nil {
			if elapsed, handled := p.handler(wctx, w.id); handled {
				p.observe(elapsed)
			}
		}
		logrus.Debugf("[WORKER_POOL] %s down", w.id)
	}()
}

func (p *Pool) observe(d time.Duration) {
	p.mu.Lock()
	p.latencies = append(p.latencies, d)
	if len(p.latencies) > latencySamples {
		p.latencies = p.latencies[len(p.latencies)-latencySamples:]
	}
	p.mu.Unlock()
}

// supervise corre el ciclo de escalado cada scaleInterval.
func (p *Pool) supervise() {
	defer p.wg.Done()
	ticker := time.NewTicker(scaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evaluate()
		}
	}
}

// evaluate aplica la política: sube un worker si la cola supera 2N o la
// p95 excede el objetivo; baja uno tras idleWindows ventanas ociosas.
// Nunca escala dos veces dentro del mismo cooldown.
func (p *Pool) evaluate() {
	depth, busy := 0, 0
	if p.source != nil {
		depth = p.source.Depth()
		busy = p.source.Processing()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workers)
	p95 := percentile95Locked(p.latencies)
	utilization := 0.0
	if n > 0 {
		utilization = float64(busy) / float64(n)
	}

	if time.Since(p.lastScale) < scaleInterval {
		return
	}

	switch {
	case (depth > 2*n || (p95 > 0 && p95 > p.targetLatency)) && n < p.max:
		p.spawnLocked()
		p.lastScale = time.Now()
		p.idleCount = 0
		logrus.Infof("[WORKER_POOL] scaled up to %d (depth=%d p95=%s)", len(p.workers), depth, p95)

	case depth == 0 && utilization < 0.3 && n > p.min:
		p.idleCount++
		if p.idleCount >= idleWindows {
			p.retireLocked()
			p.lastScale = time.Now()
			p.idleCount = 0
			logrus.Infof("[WORKER_POOL] scaled down to %d", len(p.workers))
		}

	default:
		p.idleCount = 0
	}
}

// retireLocked cancela el último worker; su goroutine termina al volver
// del lease en curso. Se llama con p.mu tomado.
func (p *Pool) retireLocked() {
	last := len(p.workers) - 1
	p.workers[last].cancel()
	p.workers = p.workers[:last]
}

// Stop cancela todos los workers y espera hasta drainTimeout a que los
// items en vuelo terminen.
func (p *Pool) Stop() {
	logrus.Info("[WORKER_POOL] draining...")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("[WORKER_POOL] drained")
	case <-time.After(p.drainTimeout):
		logrus.Warn("[WORKER_POOL] drain timeout, some items will be recovered on restart")
	}
}

// Stats retorna el snapshot actual del pool.
func (p *Pool) Stats() Stats {
	busy := 0
	if p.source != nil {
		busy = p.source.Processing()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.workers)
	utilization := 0.0
	if n > 0 {
		utilization = float64(busy) / float64(n)
	}
	return Stats{
		Workers:     n,
		Busy:        busy,
		Min:         p.min,
		Max:         p.max,
		P95Latency:  percentile95Locked(p.latencies).String(),
		Utilization: utilization,
	}
}

func percentile95Locked(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
