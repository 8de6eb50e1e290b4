package runner

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/registry"
)

const placementWakeConsumer = "placement-runner-wakeup"

type subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

type idempotencyStore interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
}

type waker interface {
	Wake()
}

// Notifier turns placement_requested messages into runner wake-ups. The
// queue table stays authoritative; a lost message only costs one poll.
type Notifier struct {
	subscription subscriber
	idempotency  idempotencyStore
	runner       waker
	decoders     *registry.DecoderRegistry
	logg         *logger.Logger
}

func NewNotifier(subscription subscriber, store idempotencyStore, runner waker, logg *logger.Logger) (*Notifier, error) {
	if subscription == nil {
		return nil, fmt.Errorf("placement subscription required")
	}
	if store == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	decoders := registry.NewDecoderRegistry()
	decoders.Register(enums.EventPlacementRequested, 1, registry.JSONDecoder[payloads.PlacementRequestedEvent]())
	return &Notifier{
		subscription: subscription,
		idempotency:  store,
		runner:       runner,
		decoders:     decoders,
		logg:         logg,
	}, nil
}

// Run receives messages until the context is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	n.logg.Info(ctx, "placement notifier starting")
	return n.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if n.process(ctx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	woke bool
	nack bool
}

func (n *Notifier) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := n.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventPlacementRequested) {
		n.logg.Debug(logCtx, "skipping non-placement event")
		return processResult{}
	}

	envelope, decoded, err := n.decoders.DecodeEnvelope(enums.EventPlacementRequested, msg.Data)
	if err != nil {
		n.logg.Error(logCtx, "failed to decode placement request", err)
		return processResult{}
	}
	payload, ok := decoded.(*payloads.PlacementRequestedEvent)
	if !ok {
		n.logg.Warn(logCtx, "unexpected placement request payload")
		return processResult{}
	}
	if envelope.EventID == "" || !payload.Tree.IsValid() {
		n.logg.Warn(logCtx, "placement request missing event id or tree")
		return processResult{}
	}

	already, err := n.idempotency.CheckAndMarkProcessed(ctx, placementWakeConsumer, envelope.EventID)
	if err != nil {
		n.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		n.logg.Debug(logCtx, "event already processed")
		return processResult{}
	}

	n.runner.Wake()
	logCtx = n.logg.WithJobID(n.logg.WithNodeID(logCtx, payload.NodeID), payload.JobID.String())
	n.logg.Debug(n.logg.WithTree(logCtx, payload.Tree.String()), "runner woken")
	return processResult{woke: true}
}
