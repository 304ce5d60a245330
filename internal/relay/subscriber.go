package relay

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/logging"
	"github.com/msu907/trackviz/internal/metrics"
)

const reconnectBackoff = 2 * time.Second

// Subscriber consumes mirrored updates from the shared broker and feeds
// them into the local registry, skipping messages this instance published
// itself.
type Subscriber struct {
	client     *Client
	instanceID string
	sink       domain.UpdatePusher
	clock      clockwork.Clock
}

// NewSubscriber creates a subscriber delivering foreign updates into sink.
func NewSubscriber(client *Client, instanceID string, sink domain.UpdatePusher, clock clockwork.Clock) *Subscriber {
	return &Subscriber{
		client:     client,
		instanceID: instanceID,
		sink:       sink,
		clock:      clock,
	}
}

// Run consumes the broker channel until ctx is cancelled. When the
// subscription drops it backs off briefly and resubscribes.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		s.consume(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(reconnectBackoff):
		}

		metrics.RelayReconnectionsTotal.Inc()
		logging.WithComponent("relay").Info("Resubscribing to relay channel", "channel", updatesChannel)
	}
}

// consume runs one subscription until the channel closes or ctx is cancelled.
func (s *Subscriber) consume(ctx context.Context) {
	sub := s.client.rdb.Subscribe(ctx, updatesChannel)
	defer func() { _ = sub.Close() }()

	metrics.RelaySubscriptionActive.Set(1)
	defer metrics.RelaySubscriptionActive.Set(0)

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handle([]byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) handle(data []byte) {
	msg, err := decodeUpdate(data)
	if err != nil || msg.WidgetID == "" {
		metrics.RelayReceived.WithLabelValues("invalid").Inc()
		return
	}

	// Messages published by this instance already went through the local
	// registry during ingestion.
	if msg.InstanceID == s.instanceID {
		metrics.RelayReceived.WithLabelValues("self").Inc()
		return
	}

	s.sink.PushUpdate(msg.WidgetID, msg.Payload, msg.Priority)
	metrics.RelayReceived.WithLabelValues("applied").Inc()
}
