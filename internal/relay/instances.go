package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/msu907/trackviz/internal/metrics"
)

const (
	instancesKey      = "viz:instances"
	activeWindow      = 60 * time.Second
	unregisterTimeout = 2 * time.Second
)

// InstanceRegistry tracks active engine instances in Redis.
// Each instance sends periodic heartbeats to a shared hash.
// Instances without heartbeat for >60s are considered inactive.
type InstanceRegistry struct {
	client     *Client
	instanceID string
	heartbeat  time.Duration
	version    string
	clock      clockwork.Clock
}

// InstanceInfo holds metadata about an instance.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

// NewInstanceRegistry creates a new instance registry.
// instanceID should be unique per instance (e.g., hostname-pid).
// heartbeat determines how frequently this instance updates its registration.
func NewInstanceRegistry(client *Client, instanceID string, heartbeat time.Duration, version string, clock clockwork.Clock) *InstanceRegistry {
	return &InstanceRegistry{
		client:     client,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
		clock:      clock,
	}
}

// Start begins the heartbeat loop.
// Registers immediately, then sends heartbeats on the ticker interval.
// Blocks until ctx is cancelled, then unregisters and returns.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

// register writes this instance's heartbeat to the shared hash and refreshes
// the registry size gauge.
func (r *InstanceRegistry) register(ctx context.Context) {
	value := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	}

	data, err := json.Marshal(value)
	if err != nil {
		return
	}

	r.client.rdb.HSet(ctx, instancesKey, r.instanceID, data)

	if active, err := r.ActiveInstances(ctx); err == nil {
		metrics.InstanceRegistrySize.Set(float64(len(active)))
	}
}

// unregister removes this instance from the registry.
// Called during graceful shutdown.
func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	r.client.rdb.HDel(ctx, instancesKey, r.instanceID)
}

// ActiveInstances returns instance IDs with heartbeats within the active window.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]string, error) {
	instances, err := r.client.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	active := []string{}
	now := r.clock.Now().Unix()

	for instanceID, data := range instances {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}

		if now-info.Timestamp < int64(activeWindow.Seconds()) {
			active = append(active, instanceID)
		}
	}

	return active, nil
}

// InstanceDetails returns metadata for all instances active within the window.
func (r *InstanceRegistry) InstanceDetails(ctx context.Context) ([]InstanceInfo, error) {
	instances, err := r.client.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	infos := []InstanceInfo{}
	now := r.clock.Now().Unix()

	for _, data := range instances {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}

		if now-info.Timestamp < int64(activeWindow.Seconds()) {
			infos = append(infos, info)
		}
	}

	return infos, nil
}
