package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/royalbot/royal-dispatch/domains/message"
	"github.com/sirupsen/logrus"
)

// pendingBurst acumula los mensajes de un usuario dentro de la ventana.
type pendingBurst struct {
	parts     []message.InboundMessage
	timer     *time.Timer
	firstSeen time.Time
}

// Coalescer junta ráfagas de mensajes consecutivos del mismo usuario en
// uno solo antes de encolarlos. Cada mensaje nuevo resetea la ventana,
// acotada por maxWait desde el primer mensaje de la ráfaga.
type Coalescer struct {
	mu      sync.Mutex
	bursts  map[string]*pendingBurst
	window  time.Duration
	maxWait time.Duration

	// Emit recibe la ráfaga fusionada; corre fuera del lock.
	Emit func(ctx context.Context, msg message.InboundMessage)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoalescer(window, maxWait time.Duration) *Coalescer {
	if window <= 0 {
		window = 5 * time.Second
	}
	if maxWait < window {
		maxWait = 2 * window
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer{
		bursts:  make(map[string]*pendingBurst),
		window:  window,
		maxWait: maxWait,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add suma un mensaje a la ráfaga del usuario y (re)arma el timer. El
// reset queda acotado: la ráfaga nunca espera más de maxWait desde su
// primer mensaje.
func (c *Coalescer) Add(msg message.InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	burst, ok := c.bursts[msg.UserID]
	if !ok {
		burst = &pendingBurst{firstSeen: time.Now()}
		c.bursts[msg.UserID] = burst
	}
	burst.parts = append(burst.parts, msg)

	delay := c.window
	if remaining := c.maxWait - time.Since(burst.firstSeen); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}

	userID := msg.UserID
	if burst.timer != nil {
		burst.timer.Stop()
	}
	burst.timer = time.AfterFunc(delay, func() {
		c.flush(userID)
	})
}

// flush fusiona y emite la ráfaga acumulada de un usuario.
func (c *Coalescer) flush(userID string) {
	c.mu.Lock()
	burst, ok := c.bursts[userID]
	if !ok || len(burst.parts) == 0 {
		c.mu.Unlock()
		return
	}
	delete(c.bursts, userID)
	c.mu.Unlock()

	merged := mergeBurst(burst.parts)
	if len(burst.parts) > 1 {
		logrus.Debugf("[COALESCE] merged %d messages from %s", len(burst.parts), userID)
	}
	if c.Emit != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.Emit(c.ctx, merged)
		}()
	}
}

// FlushAll emite toda ráfaga pendiente; se usa en el shutdown para no
// perder mensajes a medio coalescer.
func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	users := make([]string, 0, len(c.bursts))
	for userID, burst := range c.bursts {
		if burst.timer != nil {
			burst.timer.Stop()
		}
		users = append(users, userID)
	}
	c.mu.Unlock()

	for _, userID := range users {
		c.flush(userID)
	}
	c.wg.Wait()
}

// Stop corta timers pendientes y espera los Emit en vuelo.
func (c *Coalescer) Stop() {
	c.FlushAll()
	c.cancel()
}

// Pending retorna cuántos usuarios tienen ráfagas abiertas.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bursts)
}

// mergeBurst concatena los textos con newline y conserva el timestamp de
// llegada del primero y el ID de transporte del último.
func mergeBurst(parts []message.InboundMessage) message.InboundMessage {
	merged := parts[0]
	if len(parts) == 1 {
		return merged
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		texts = append(texts, p.Text)
	}
	merged.Text = strings.Join(texts, "\n")
	merged.TransportMessageID = parts[len(parts)-1].TransportMessageID
	return merged
}
