package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/trosyn/lansync/internal/docstore"
	"github.com/trosyn/lansync/internal/log"
	"github.com/trosyn/lansync/internal/storage"
)

// ErrSyncInProgress is returned when a sync with the same peer is already
// running.
var ErrSyncInProgress = errors.New("sync with this peer already in progress")

// Result summarizes one sync run with a peer.
type Result struct {
	Pushed            int
	Pulled            int
	ConflictsResolved int
	Errors            int
}

// Engine drives manifest-diff synchronization between the local document
// store and remote peers. Failed transfers are recorded in the sync queue so
// the worker can retry them, bounded by the retry limit.
type Engine struct {
	nodeID     string
	docs       *docstore.Store
	queue      *storage.Store
	strategy   Strategy
	maxRetries int
	queueLimit int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine for the local node.
func New(nodeID string, docs *docstore.Store, queue *storage.Store, strategy Strategy, maxRetries, queueLimit int) *Engine {
	if queueLimit < 1 {
		queueLimit = 100
	}
	return &Engine{
		nodeID:     nodeID,
		docs:       docs,
		queue:      queue,
		strategy:   strategy,
		maxRetries: maxRetries,
		queueLimit: queueLimit,
	}
}

// peerLock returns the mutex serializing syncs with one peer.
func (e *Engine) peerLock(nodeID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	l, ok := e.locks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[nodeID] = l
	}
	return l
}

// SyncWithPeer runs one full sync against a peer: exchange manifests, diff,
// transfer, resolve conflicts. A second sync with the same peer while one is
// running returns ErrSyncInProgress. Individual transfer failures do not
// abort the run; they are counted, queued for retry, and the rest of the
// plan proceeds.
func (e *Engine) SyncWithPeer(ctx context.Context, peer Peer) (*Result, error) {
	lock := e.peerLock(peer.NodeID())
	if !lock.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer lock.Unlock()

	if err := e.queue.SetNodeStatus(peer.NodeID(), storage.StateSyncing, ""); err != nil {
		log.Warn().Err(err).Msg("recording sync start")
	}

	res, err := e.sync(ctx, peer)
	if err != nil {
		_ = e.queue.SetNodeStatus(peer.NodeID(), storage.StateError, err.Error())
		return nil, err
	}

	state := storage.StateSuccess
	detail := ""
	if res.Errors > 0 {
		state = storage.StateError
		detail = fmt.Sprintf("%d transfers failed", res.Errors)
	}
	if err := e.queue.SetNodeStatus(peer.NodeID(), state, detail); err != nil {
		log.Warn().Err(err).Msg("recording sync outcome")
	}
	return res, nil
}

func (e *Engine) sync(ctx context.Context, peer Peer) (*Result, error) {
	local, err := e.docs.Manifest()
	if err != nil {
		return nil, fmt.Errorf("reading local manifest: %w", err)
	}
	remote, err := peer.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}

	plan := BuildPlan(local, remote, e.strategy)
	log.Info().
		Str("peer", peer.NodeID()).
		Int("push", len(plan.Push)).
		Int("pull", len(plan.Pull)).
		Int("noop", plan.Noop).
		Int("conflicts", plan.Conflicts).
		Msg("sync plan built")

	res := &Result{ConflictsResolved: plan.Conflicts}

	for _, entry := range plan.Pull {
		if err := e.pull(ctx, peer, entry, entry.DocumentID); err != nil {
			e.recordFailure(peer.NodeID(), entry, "pull", err)
			res.Errors++
			continue
		}
		res.Pulled++
	}

	for _, entry := range plan.KeepBoth {
		if err := e.pull(ctx, peer, entry, ConflictDocID(entry.DocumentID, entry.VersionHash)); err != nil {
			e.recordFailure(peer.NodeID(), entry, "pull", err)
			res.Errors++
			continue
		}
		res.Pulled++
	}

	for _, entry := range plan.Push {
		content, err := e.docs.GetBytes(entry.DocumentID, entry.VersionID)
		if err == nil {
			err = peer.PushDocument(ctx, entry, content)
		}
		if err != nil {
			e.recordFailure(peer.NodeID(), entry, "push", err)
			res.Errors++
			continue
		}
		res.Pushed++
	}

	if err := peer.Complete(ctx); err != nil {
		log.Debug().Err(err).Str("peer", peer.NodeID()).Msg("sync complete notification failed")
	}

	if res.Errors == 0 {
		e.settleQueue(peer.NodeID())
	}
	return res, nil
}

// pull fetches one remote version and stores it, under storeAs when a
// conflict loser is being kept. StoreRemote re-hashes the content, so
// tampered or corrupted transfers are rejected here.
func (e *Engine) pull(ctx context.Context, peer Peer, entry docstore.Entry, storeAs string) error {
	got, content, err := peer.FetchDocument(ctx, entry.DocumentID, entry.VersionID)
	if err != nil {
		return err
	}
	got.DocumentID = storeAs
	return e.docs.StoreRemote(got, peer.NodeID(), content)
}

// recordFailure queues or re-queues a failed transfer for the retry worker.
func (e *Engine) recordFailure(peerID string, entry docstore.Entry, action string, cause error) {
	log.Warn().
		Err(cause).
		Str("peer", peerID).
		Str("document_id", entry.DocumentID).
		Str("action", action).
		Msg("transfer failed")

	itemID := peerID + ":" + entry.DocumentID
	if _, err := e.queue.GetItem(itemID, 1); err == nil {
		if _, merr := e.queue.MarkItemSynced(itemID, 1, cause.Error()); merr != nil {
			log.Error().Err(merr).Msg("bumping retry count")
		}
		return
	}

	data, perr := toPayload(entry)
	if perr != nil {
		data = map[string]any{"document_id": entry.DocumentID}
	}
	item := &storage.SyncItem{
		ItemID:   itemID,
		ItemType: "document",
		Action:   action,
		Data:     data,
		NodeID:   peerID,
		Version:  1,
		Error:    cause.Error(),
	}
	if err := e.queue.AddItem(item); err != nil {
		log.Error().Err(err).Msg("queueing failed transfer")
	}
}

// settleQueue marks this peer's pending retry items as done after a clean
// sync run: the manifest diff has already re-driven whatever they recorded.
func (e *Engine) settleQueue(peerID string) {
	items, err := e.queue.GetPendingItems("document", e.queueLimit, e.maxRetries)
	if err != nil {
		log.Warn().Err(err).Msg("reading pending queue")
		return
	}
	for _, item := range items {
		if item.NodeID != peerID {
			continue
		}
		if _, err := e.queue.MarkItemSynced(item.ItemID, item.Version, ""); err != nil {
			log.Warn().Err(err).Str("item", item.ItemID).Msg("settling queue item")
		}
	}
}
