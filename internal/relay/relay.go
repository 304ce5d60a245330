package relay

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/domain"
	"golang.org/x/sync/errgroup"
)

const instanceHeartbeat = 15 * time.Second

// Relay bundles the broker client, publisher, subscriber, and instance
// registry for one engine instance.
type Relay struct {
	client     *Client
	publisher  *Publisher
	subscriber *Subscriber
	instances  *InstanceRegistry
}

// New connects to the broker at redisURL and wires up all relay components.
// Foreign updates received from the broker are pushed into sink.
func New(redisURL, instanceID, version string, sink domain.UpdatePusher, clock clockwork.Clock) (*Relay, error) {
	client, err := NewClient(redisURL)
	if err != nil {
		return nil, err
	}

	return &Relay{
		client:     client,
		publisher:  NewPublisher(client, instanceID),
		subscriber: NewSubscriber(client, instanceID, sink, clock),
		instances:  NewInstanceRegistry(client, instanceID, instanceHeartbeat, version, clock),
	}, nil
}

// Publisher returns the component that mirrors local updates to the broker.
func (r *Relay) Publisher() domain.UpdatePusher {
	return r.publisher
}

// Run drives the subscriber loop and the instance heartbeat until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.subscriber.Run(gctx)
	})
	g.Go(func() error {
		r.instances.Start(gctx)
		return nil
	})

	return g.Wait()
}

// Ping verifies broker connectivity.
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// ActiveInstances lists engine instances with a recent heartbeat.
func (r *Relay) ActiveInstances(ctx context.Context) ([]string, error) {
	return r.instances.ActiveInstances(ctx)
}

// InstanceDetails lists metadata for instances with a recent heartbeat.
func (r *Relay) InstanceDetails(ctx context.Context) ([]InstanceInfo, error) {
	return r.instances.InstanceDetails(ctx)
}

// Close releases the broker connection.
func (r *Relay) Close() error {
	return r.client.Close()
}
