package syncengine

import (
	"context"
	"time"

	"github.com/trosyn/lansync/internal/discovery"
	"github.com/trosyn/lansync/internal/log"
	"github.com/trosyn/lansync/internal/storage"
)

// PeerDialer opens a sync session to a discovered device.
type PeerDialer func(ctx context.Context, dev discovery.Device) (Peer, error)

// Worker periodically syncs with every online peer. Transfers the engine
// queued after failures get retried on the next cycle until the retry limit
// is exhausted.
type Worker struct {
	engine   *Engine
	queue    *storage.Store
	devices  func() []discovery.Device
	dial     PeerDialer
	interval time.Duration
}

// NewWorker creates a worker. The devices func supplies the current online
// peers, normally discovery's OnlineDevices.
func NewWorker(engine *Engine, queue *storage.Store, devices func() []discovery.Device, dial PeerDialer, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Worker{
		engine:   engine,
		queue:    queue,
		devices:  devices,
		dial:     dial,
		interval: interval,
	}
}

// Run blocks, syncing every interval until the context is canceled. The
// first cycle runs immediately.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SyncAll(ctx)
		}
	}
}

// SyncAll runs one sync cycle against every online device. Failures with one
// peer do not stop the cycle.
func (w *Worker) SyncAll(ctx context.Context) {
	for _, dev := range w.devices() {
		if ctx.Err() != nil {
			return
		}
		w.syncOne(ctx, dev)
	}
}

func (w *Worker) syncOne(ctx context.Context, dev discovery.Device) {
	peer, err := w.dial(ctx, dev)
	if err != nil {
		log.Warn().Err(err).Str("node_id", dev.NodeID).Msg("peer dial failed")
		if serr := w.queue.SetNodeStatus(dev.NodeID, storage.StateError, err.Error()); serr != nil {
			log.Warn().Err(serr).Msg("recording dial failure")
		}
		return
	}
	defer peer.Close()

	res, err := w.engine.SyncWithPeer(ctx, peer)
	if err != nil {
		log.Warn().Err(err).Str("node_id", dev.NodeID).Msg("sync failed")
		return
	}
	if err := w.queue.SetMetadata("last_sync:"+dev.NodeID, map[string]any{
		"completed_at": time.Now().UTC().Format(time.RFC3339),
		"pushed":       res.Pushed,
		"pulled":       res.Pulled,
		"errors":       res.Errors,
	}); err != nil {
		log.Warn().Err(err).Str("node_id", dev.NodeID).Msg("recording sync metadata")
	}
	log.Info().
		Str("node_id", dev.NodeID).
		Int("pushed", res.Pushed).
		Int("pulled", res.Pulled).
		Int("conflicts", res.ConflictsResolved).
		Int("errors", res.Errors).
		Msg("sync cycle finished")
}
