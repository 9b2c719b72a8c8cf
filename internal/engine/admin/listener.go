package admin

import (
	"context"
	"encoding/json"

	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
)

// Recycler recycles one worker process by pid. Implemented by the
// orchestrator.
type Recycler interface {
	RecycleProcess(pid int, reason string) error
}

// Listener subscribes to a worker daemon's command channel and applies
// incoming admin commands.
type Listener struct {
	kvs      kv.Store
	workerID string
	recycler Recycler
	// shutdown triggers a graceful daemon shutdown.
	shutdown func(reason string)
}

// NewListener creates a command listener for one daemon.
func NewListener(kvs kv.Store, workerID string, recycler Recycler, shutdown func(reason string)) *Listener {
	return &Listener{
		kvs:      kvs,
		workerID: workerID,
		recycler: recycler,
		shutdown: shutdown,
	}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.kvs.Subscribe(ctx, CommandChannel(l.workerID))
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	log.Info(log.CatAdmin, "Command listener started", "workerID", l.workerID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			l.apply(msg.Payload)
		}
	}
}

func (l *Listener) apply(payload string) {
	var cmd Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		log.Warn(log.CatAdmin, "Ignoring unparseable command", "error", err)
		return
	}

	switch cmd.Action {
	case ActionRecyclePr:
		reason := cmd.Reason
		if reason == "" {
			reason = "admin_request"
		}
		if err := l.recycler.RecycleProcess(cmd.PID, reason); err != nil {
			log.Warn(log.CatAdmin, "Recycle command failed",
				"pid", cmd.PID, "by", cmd.RequestedBy, "error", err)
			return
		}
		log.Info(log.CatAdmin, "Recycle command applied",
			"pid", cmd.PID, "reason", reason, "by", cmd.RequestedBy)
	case ActionShutdown:
		log.Info(log.CatAdmin, "Shutdown command received", "by", cmd.RequestedBy)
		if l.shutdown != nil {
			l.shutdown(cmd.Reason)
		}
	default:
		log.Warn(log.CatAdmin, "Ignoring unknown command action", "action", cmd.Action)
	}
}
