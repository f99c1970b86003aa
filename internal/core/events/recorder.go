// internal/core/events/recorder.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/flowflex/stagecondition/internal/actions"
)

// StatusDispatched is the execution status recorded for consumed triggers.
const StatusDispatched = "Dispatched"

// ExecutionStore persists consumed trigger messages.
type ExecutionStore interface {
	RecordExecution(ctx context.Context, id string, payload actions.TriggerPayload, status string) error
}

// Recorder consumes TopicActions and writes one execution row per message.
// Rows are keyed by message UUID, so redelivered messages are recorded once.
type Recorder struct {
	sub    message.Subscriber
	msgs   <-chan *message.Message
	store  ExecutionStore
	logger *slog.Logger
}

// NewRecorder returns a recorder reading from sub.
func NewRecorder(sub message.Subscriber, store ExecutionStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sub: sub, store: store, logger: logger}
}

// Subscribe opens the subscription. gochannel drops messages published
// while a topic has no subscriber, so callers that publish right away
// subscribe before starting Run.
func (r *Recorder) Subscribe(ctx context.Context) error {
	msgs, err := r.sub.Subscribe(ctx, TopicActions)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicActions, err)
	}
	r.msgs = msgs
	return nil
}

// Run consumes until ctx is done or the subscription closes.
func (r *Recorder) Run(ctx context.Context) error {
	if r.msgs == nil {
		if err := r.Subscribe(ctx); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.msgs:
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, msg *message.Message) {
	var payload actions.TriggerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		// Acked so the broker stops redelivering it.
		r.logger.Error("dropping undecodable trigger message", "message_id", msg.UUID, "error", err)
		msg.Ack()
		return
	}
	if err := r.store.RecordExecution(ctx, msg.UUID, payload, StatusDispatched); err != nil {
		r.logger.Warn("recording trigger execution failed",
			"message_id", msg.UUID, "action_definition_id", payload.ActionDefinitionID, "error", err)
		msg.Nack()
		return
	}
	msg.Ack()
}
