package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func openBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := Open(Config{Driver: DriverGoChannel}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func subscribe(t *testing.T, bus *Bus, topic string) <-chan *message.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := bus.Subscriber.Subscribe(ctx, topic)
	require.NoError(t, err)
	return msgs
}

func receive(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

type definitions map[types.ActionDefinitionID]*actions.ActionDefinition

func (d definitions) GetDefinition(_ context.Context, _ types.TenantID, id types.ActionDefinitionID) (*actions.ActionDefinition, error) {
	def, ok := d[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return def, nil
}

func TestOpen(t *testing.T) {
	_, err := Open(Config{Driver: "nats"}, discard)
	assert.ErrorContains(t, err, "unsupported events driver")

	_, err = Open(Config{Driver: DriverKafka}, discard)
	assert.ErrorContains(t, err, "at least one broker")

	bus, err := Open(Config{}, discard)
	require.NoError(t, err)
	assert.NoError(t, bus.Close())
}

func TestExecutor_PublishesTrigger(t *testing.T) {
	bus := openBus(t)
	msgs := subscribe(t, bus, TopicActions)

	exec := NewExecutor(definitions{1: {ID: 1, Name: "Webhook", IsEnabled: true}}, bus.Publisher)

	def, err := exec.GetDefinition(context.Background(), "tenant-a", 1)
	require.NoError(t, err)
	assert.Equal(t, "Webhook", def.Name)
	_, err = exec.GetDefinition(context.Background(), "tenant-a", 2)
	assert.ErrorIs(t, err, types.ErrNotFound)

	payload := actions.TriggerPayload{
		OnboardingID:       12,
		StageID:            100,
		TenantID:           "tenant-a",
		ActionDefinitionID: 1,
		ActionName:         "Webhook",
		TriggerSource:      actions.TriggerSourceStageCondition,
	}
	id, err := exec.Execute(context.Background(), "tenant-a", 1, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg := receive(t, msgs)
	assert.Equal(t, id, msg.UUID)
	assert.Equal(t, KindTrigger, msg.Metadata.Get(MetaKind))
	assert.Equal(t, "tenant-a", msg.Metadata.Get(MetaTenantID))
	assert.Equal(t, "12", msg.Metadata.Get(MetaCaseID))

	var got actions.TriggerPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, payload, got)
}

func TestMailer_QueuesNotification(t *testing.T) {
	bus := openBus(t)
	msgs := subscribe(t, bus, TopicNotifications)

	ok, err := NewMailer(bus.Publisher).SendStageNotification(context.Background(), actions.Notification{
		To:                "dana@example.com",
		CaseID:            12,
		CaseName:          "Acme",
		PreviousStageName: "Intake",
		CurrentStageName:  "Review",
		Subject:           "Acme moved to Review",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	msg := receive(t, msgs)
	assert.Equal(t, KindNotification, msg.Metadata.Get(MetaKind))
	var mail Mail
	require.NoError(t, json.Unmarshal(msg.Payload, &mail))
	assert.Equal(t, "dana@example.com", mail.To)
	assert.Equal(t, int64(12), mail.CaseID)
	assert.Equal(t, "Review", mail.CurrentStageName)
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                              { return nil }

func TestPublishFailures(t *testing.T) {
	ok, err := NewMailer(failingPublisher{}).SendStageNotification(context.Background(), actions.Notification{To: "x@example.com"})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "broker down")

	_, err = NewExecutor(definitions{}, failingPublisher{}).Execute(context.Background(), "tenant-a", 3, actions.TriggerPayload{})
	assert.ErrorContains(t, err, "publish action 3")
}

type executions struct {
	mu      sync.Mutex
	ids     []string
	fail    int
	records chan string
}

func (e *executions) RecordExecution(_ context.Context, id string, _ actions.TriggerPayload, status string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail > 0 {
		e.fail--
		return errors.New("database is locked")
	}
	e.ids = append(e.ids, id+":"+status)
	e.records <- id
	return nil
}

func TestRecorder_RecordsTriggers(t *testing.T) {
	bus := openBus(t)
	store := &executions{fail: 1, records: make(chan string, 4)}
	rec := NewRecorder(bus.Subscriber, store, discard)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rec.Subscribe(ctx))
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.NoError(t, bus.Publisher.Publish(TopicActions, message.NewMessage("bad", []byte("{"))))
	id, err := NewExecutor(definitions{}, bus.Publisher).Execute(ctx, "tenant-a", 1, actions.TriggerPayload{ActionDefinitionID: 1})
	require.NoError(t, err)

	select {
	case got := <-store.records:
		assert.Equal(t, id, got, "nacked message is redelivered")
	case <-time.After(3 * time.Second):
		t.Fatal("execution not recorded")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{id + ":" + StatusDispatched}, store.ids)
}
