package agent

import (
	"context"

	"github.com/royalbot/royal-dispatch/domains/convo"
)

// Agent is the external AI runtime. The dispatcher treats the call as a
// synchronous black box with a deadline.
type Agent interface {
	InferReply(ctx context.Context, conversation *convo.ConversationContext, text string) (string, error)
}

// Mediator breaks the scheduler/worker cycle: the worker reports activity
// after a successful reply, and the scheduler dispatches outbound text
// without referencing the pipeline directly.
type Mediator interface {
	OnUserActivity(ctx context.Context, userID string, conversation *convo.ConversationContext)
	Dispatch(ctx context.Context, userID, text, source string) error
}
