package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/payloads"
)

type memoryIdempotency struct {
	seen map[string]bool
	err  error
}

func (m *memoryIdempotency) CheckAndMarkProcessed(_ context.Context, consumer, eventID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	key := consumer + ":" + eventID
	if m.seen[key] {
		return true, nil
	}
	m.seen[key] = true
	return false, nil
}

type countingWaker struct{ calls int }

func (w *countingWaker) Wake() { w.calls++ }

type nopSubscriber struct{}

func (nopSubscriber) Receive(context.Context, func(context.Context, *pubsub.Message)) error {
	return nil
}

func newTestNotifier(t *testing.T) (*Notifier, *memoryIdempotency, *countingWaker) {
	t.Helper()
	store := &memoryIdempotency{seen: map[string]bool{}}
	w := &countingWaker{}
	n, err := NewNotifier(nopSubscriber{}, store, w, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	require.NoError(t, err)
	return n, store, w
}

func placementMessage(t *testing.T, eventID string, tree enums.TreeKind) *pubsub.Message {
	t.Helper()
	data, err := json.Marshal(payloads.PlacementRequestedEvent{JobID: uuid.New(), NodeID: 7, Tree: tree})
	require.NoError(t, err)
	body, err := json.Marshal(outbox.PayloadEnvelope{Version: 1, EventID: eventID, OccurredAt: time.Now().UTC(), Data: data})
	require.NoError(t, err)
	return &pubsub.Message{
		ID:         "msg-" + eventID,
		Data:       body,
		Attributes: map[string]string{"event_type": string(enums.EventPlacementRequested)},
	}
}

func TestNotifierWakesOncePerEvent(t *testing.T) {
	n, _, w := newTestNotifier(t)
	ctx := context.Background()
	msg := placementMessage(t, uuid.NewString(), enums.TreeAuto)

	res := n.process(ctx, msg)
	assert.True(t, res.woke)
	assert.False(t, res.nack)

	res = n.process(ctx, msg)
	assert.False(t, res.woke)
	assert.False(t, res.nack)
	assert.Equal(t, 1, w.calls)
}

func TestNotifierIgnoresOtherEvents(t *testing.T) {
	n, _, w := newTestNotifier(t)
	msg := placementMessage(t, uuid.NewString(), enums.TreeAuto)
	msg.Attributes["event_type"] = string(enums.EventNodeCreated)

	res := n.process(context.Background(), msg)
	assert.False(t, res.woke)
	assert.False(t, res.nack)
	assert.Zero(t, w.calls)
}

func TestNotifierAcksMalformedMessages(t *testing.T) {
	n, _, w := newTestNotifier(t)
	ctx := context.Background()

	bad := &pubsub.Message{Data: []byte("{"), Attributes: map[string]string{"event_type": string(enums.EventPlacementRequested)}}
	assert.Equal(t, processResult{}, n.process(ctx, bad))

	noTree := placementMessage(t, uuid.NewString(), enums.TreeKind("side"))
	assert.Equal(t, processResult{}, n.process(ctx, noTree))

	noID := placementMessage(t, "", enums.TreeAuto)
	assert.Equal(t, processResult{}, n.process(ctx, noID))
	assert.Zero(t, w.calls)
}

func TestNotifierAcksUnknownEnvelopeVersion(t *testing.T) {
	n, _, w := newTestNotifier(t)
	data, err := json.Marshal(payloads.PlacementRequestedEvent{JobID: uuid.New(), NodeID: 7, Tree: enums.TreeAuto})
	require.NoError(t, err)
	body, err := json.Marshal(outbox.PayloadEnvelope{Version: 2, EventID: uuid.NewString(), OccurredAt: time.Now().UTC(), Data: data})
	require.NoError(t, err)

	msg := &pubsub.Message{Data: body, Attributes: map[string]string{"event_type": string(enums.EventPlacementRequested)}}
	assert.Equal(t, processResult{}, n.process(context.Background(), msg))
	assert.Zero(t, w.calls)
}

func TestNotifierNacksWhenIdempotencyFails(t *testing.T) {
	n, store, w := newTestNotifier(t)
	store.err = errors.New("redis down")

	res := n.process(context.Background(), placementMessage(t, uuid.NewString(), enums.TreeSelf))
	assert.True(t, res.nack)
	assert.Zero(t, w.calls)
}

func TestNewNotifierValidation(t *testing.T) {
	_, err := NewNotifier(nil, &memoryIdempotency{}, &countingWaker{}, logger.New(logger.Options{Output: io.Discard}))
	assert.Error(t, err)
}
