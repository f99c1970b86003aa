// internal/core/events/executor.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/types"
)

// Message kinds carried in MetaKind.
const (
	KindTrigger      = "trigger"
	KindNotification = "notification"
)

// Definitions loads external action definitions.
type Definitions interface {
	GetDefinition(ctx context.Context, tenant types.TenantID, id types.ActionDefinitionID) (*actions.ActionDefinition, error)
}

// Executor implements actions.ActionExecutor by publishing the trigger
// payload to TopicActions. The returned execution id is the message UUID.
type Executor struct {
	defs Definitions
	pub  message.Publisher
}

var _ actions.ActionExecutor = (*Executor)(nil)

// NewExecutor returns an executor resolving definitions through defs.
func NewExecutor(defs Definitions, pub message.Publisher) *Executor {
	return &Executor{defs: defs, pub: pub}
}

func (e *Executor) GetDefinition(ctx context.Context, tenant types.TenantID, id types.ActionDefinitionID) (*actions.ActionDefinition, error) {
	return e.defs.GetDefinition(ctx, tenant, id)
}

func (e *Executor) Execute(ctx context.Context, tenant types.TenantID, id types.ActionDefinitionID, payload actions.TriggerPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode trigger payload: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), body)
	msg.Metadata.Set(MetaKind, KindTrigger)
	msg.Metadata.Set(MetaTenantID, string(tenant))
	msg.Metadata.Set(MetaCaseID, strconv.FormatInt(int64(payload.OnboardingID), 10))
	msg.SetContext(ctx)

	if err := e.pub.Publish(TopicActions, msg); err != nil {
		return "", fmt.Errorf("publish action %d: %w", id, err)
	}
	return msg.UUID, nil
}
