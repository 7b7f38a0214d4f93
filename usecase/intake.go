package usecase

import (
	"context"

	"github.com/royalbot/royal-dispatch/domains/message"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/sirupsen/logrus"
)

// IntakeService es la puerta de entrada común de los transportes: pasa
// el mensaje por admisión y lo deja en el coalescer; la ráfaga fusionada
// se clasifica y encola al cerrarse la ventana.
type IntakeService struct {
	admission *AdmissionService
	coalescer *Coalescer
	queue     *PriorityQueue
	contexts  *ContextStore
}

func NewIntakeService(admission *AdmissionService, coalescer *Coalescer, queue *PriorityQueue, contexts *ContextStore) *IntakeService {
	s := &IntakeService{
		admission: admission,
		coalescer: coalescer,
		queue:     queue,
		contexts:  contexts,
	}
	coalescer.Emit = s.submit
	return s
}

// Ingest retorna (busy, err): busy pide responder el texto de ocupado
// con HTTP 200; err rechaza el mensaje.
func (s *IntakeService) Ingest(ctx context.Context, msg message.InboundMessage, remoteIP string) (bool, error) {
	if msg.IsEmpty() {
		return false, faults.New(faults.BadRequest, "empty message")
	}
	busy, err := s.admission.Admit(ctx, msg.UserID, msg.Text, msg.Hash(), remoteIP)
	if err != nil || busy {
		return busy, err
	}
	s.coalescer.Add(msg)
	return false, nil
}

// Flush cierra el coalescer emitiendo toda ráfaga abierta; se usa en el
// shutdown.
func (s *IntakeService) Flush() {
	s.coalescer.Stop()
}

// submit corre al cerrar la ventana de coalescing: clasifica prioridad
// con el perfil del usuario y encola.
func (s *IntakeService) submit(ctx context.Context, msg message.InboundMessage) {
	vip := false
	if conversation, err := s.contexts.Get(ctx, msg.UserID); err == nil && conversation != nil {
		vip = conversation.Profile.IsVIP
	}
	_, bulk := msg.Metadata["bulk"]

	priority := message.ClassifyPriority(msg.Text, vip, bulk)
	if _, err := s.queue.Submit(ctx, msg, priority); err != nil {
		if faults.KindOf(err) == faults.Duplicate {
			logrus.Debugf("[QUEUE] duplicate burst from %s dropped", msg.UserID)
			return
		}
		logrus.WithError(err).Errorf("[QUEUE] failed to submit message from %s", msg.UserID)
	}
}
