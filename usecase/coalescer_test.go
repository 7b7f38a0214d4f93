package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/royalbot/royal-dispatch/domains/message"
)

// collector captura los mensajes emitidos por el coalescer.
type collector struct {
	mu   sync.Mutex
	msgs []message.InboundMessage
}

func (c *collector) emit(_ context.Context, msg message.InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) wait(t *testing.T, n int, timeout time.Duration) []message.InboundMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]message.InboundMessage(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("esperaba %d mensajes emitidos", n)
	return nil
}

func inbound(user, text, msgID string) message.InboundMessage {
	return message.InboundMessage{
		UserID:             user,
		Text:               text,
		Source:             message.SourceWhatsApp,
		TransportMessageID: msgID,
		ArrivedAt:          time.Now(),
	}
}

// Test: una ráfaga de tres mensajes sale fusionada en uno solo.
func TestCoalescer_MergesBurst(t *testing.T) {
	out := &collector{}
	c := NewCoalescer(60*time.Millisecond, 300*time.Millisecond)
	c.Emit = out.emit
	defer c.Stop()

	c.Add(inbound("549351111", "hola", "m1"))
	c.Add(inbound("549351111", "quería consultar", "m2"))
	c.Add(inbound("549351111", "por el precio", "m3"))

	msgs := out.wait(t, 1, time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hola\nquería consultar\npor el precio", msgs[0].Text)
	assert.Equal(t, "m3", msgs[0].TransportMessageID, "conserva el ID del último mensaje")
	assert.Equal(t, 0, c.Pending())
}

// Test: usuarios distintos no comparten ráfaga.
func TestCoalescer_SeparatesUsers(t *testing.T) {
	out := &collector{}
	c := NewCoalescer(40*time.Millisecond, 200*time.Millisecond)
	c.Emit = out.emit
	defer c.Stop()

	c.Add(inbound("549351111", "hola", "a1"))
	c.Add(inbound("549352222", "buenas", "b1"))

	msgs := out.wait(t, 2, time.Second)
	texts := map[string]string{}
	for _, m := range msgs {
		texts[m.UserID] = m.Text
	}
	assert.Equal(t, "hola", texts["549351111"])
	assert.Equal(t, "buenas", texts["549352222"])
}

// Test: el reset de ventana queda acotado por maxWait; una ráfaga que
// nunca para de escribir igual se emite.
func TestCoalescer_MaxWaitBound(t *testing.T) {
	out := &collector{}
	c := NewCoalescer(80*time.Millisecond, 200*time.Millisecond)
	c.Emit = out.emit
	defer c.Stop()

	stop := time.Now().Add(350 * time.Millisecond)
	i := 0
	for time.Now().Before(stop) {
		c.Add(inbound("549351111", "más", "m"))
		i++
		time.Sleep(50 * time.Millisecond)
	}

	// con window=80ms y tecleo cada 50ms el timer se resetearía para
	// siempre; maxWait=200ms fuerza al menos una emisión
	out.wait(t, 1, time.Second)
}

// Test: FlushAll vacía toda ráfaga abierta en el shutdown.
func TestCoalescer_FlushAll(t *testing.T) {
	out := &collector{}
	c := NewCoalescer(10*time.Second, 20*time.Second)
	c.Emit = out.emit

	c.Add(inbound("549351111", "uno", "m1"))
	c.Add(inbound("549352222", "dos", "m2"))
	require.Equal(t, 2, c.Pending())

	c.FlushAll()
	msgs := out.wait(t, 2, time.Second)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 0, c.Pending())
}
