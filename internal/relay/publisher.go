package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/metrics"
)

const publishTimeout = 2 * time.Second

// Publisher mirrors locally ingested updates onto the shared broker so that
// subscribers on other instances see them too. It satisfies
// domain.UpdatePusher, letting the ingestion path fan out to the local
// registry and the relay with the same call.
type Publisher struct {
	client     *Client
	instanceID string
}

var _ domain.UpdatePusher = (*Publisher)(nil)

// NewPublisher creates a publisher stamping messages with this instance's ID.
func NewPublisher(client *Client, instanceID string) *Publisher {
	return &Publisher{client: client, instanceID: instanceID}
}

// PushUpdate mirrors one update to the broker. Failures are counted and
// logged but never propagated: local delivery must not depend on the relay.
func (p *Publisher) PushUpdate(widgetID string, payload []byte, priority domain.Priority) {
	if !json.Valid(payload) {
		metrics.RelayPublished.WithLabelValues("error").Inc()
		return
	}

	data, err := encodeUpdate(p.instanceID, widgetID, payload, priority)
	if err != nil {
		metrics.RelayPublished.WithLabelValues("error").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.client.rdb.Publish(ctx, updatesChannel, data).Err(); err != nil {
		metrics.RelayPublished.WithLabelValues("error").Inc()
		slog.Warn("Failed to mirror update to broker",
			"widget_id", widgetID,
			"error", err,
		)
		return
	}

	metrics.RelayPublished.WithLabelValues("success").Inc()
}
