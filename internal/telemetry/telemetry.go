// Package telemetry publishes best-effort platform events on the shared
// pub/sub channel. Publishing never blocks execution flow and a publish
// failure is logged, not propagated: observers are not part of the
// correctness path.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
)

// Event types emitted on the platform channel.
const (
	EventWorkerOnline        = "worker_online"
	EventWorkerOffline       = "worker_offline"
	EventWorkerHeartbeat     = "worker_heartbeat"
	EventExecutionStuck      = "execution_stuck"
	EventProcessStateChanged = "process_state_changed"
	EventExecutionBlocked    = "execution_blocked"
	EventWorkflowBlacklisted = "workflow_blacklisted"
)

// Event is the wire shape of one telemetry message.
type Event struct {
	Type      string         `json:"type"`
	WorkerID  string         `json:"worker_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher emits telemetry events for one worker daemon.
type Publisher struct {
	store    kv.Store
	channel  string
	workerID string
}

// NewPublisher creates a Publisher bound to a channel and worker identity.
func NewPublisher(store kv.Store, channel, workerID string) *Publisher {
	return &Publisher{store: store, channel: channel, workerID: workerID}
}

// Channel returns the pub/sub channel events go out on.
func (p *Publisher) Channel() string { return p.channel }

// Publish emits one event. Failures are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) {
	ev := Event{
		Type:      eventType,
		WorkerID:  p.workerID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.ErrorErr(log.CatTelemetry, "Marshalling telemetry event", err, "type", eventType)
		return
	}
	if err := p.store.Publish(ctx, p.channel, string(payload)); err != nil {
		log.ErrorErr(log.CatTelemetry, "Publishing telemetry event", err, "type", eventType)
		return
	}
	log.Debug(log.CatTelemetry, "Telemetry event published", "type", eventType)
}
