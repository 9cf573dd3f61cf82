package syncengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/trosyn/lansync/internal/docstore"
	"github.com/trosyn/lansync/internal/log"
	"github.com/trosyn/lansync/internal/protocol"
	"github.com/trosyn/lansync/internal/transport"
)

// Peer is the engine's view of a remote node during one sync run.
type Peer interface {
	NodeID() string
	FetchManifest(ctx context.Context) ([]docstore.Entry, error)
	FetchDocument(ctx context.Context, docID, versionID string) (docstore.Entry, []byte, error)
	PushDocument(ctx context.Context, e docstore.Entry, content []byte) error
	Complete(ctx context.Context) error
	Close()
}

// PeerSession is a Peer backed by a transport client. The client must be
// connected and authenticated before use.
type PeerSession struct {
	nodeID string
	client *transport.Client
}

// NewPeerSession wraps an authenticated client as a sync peer.
func NewPeerSession(nodeID string, client *transport.Client) *PeerSession {
	return &PeerSession{nodeID: nodeID, client: client}
}

// NodeID returns the remote node's ID.
func (p *PeerSession) NodeID() string { return p.nodeID }

// FetchManifest asks the peer for its full manifest.
func (p *PeerSession) FetchManifest(ctx context.Context) ([]docstore.Entry, error) {
	resp, err := p.client.Request(ctx, protocol.TypeSyncRequest, map[string]any{"kind": "manifest"})
	if err != nil {
		return nil, fmt.Errorf("fetching manifest from %s: %w", p.nodeID, err)
	}
	var entries []docstore.Entry
	if err := fromPayload(resp.Payload["manifest"], &entries); err != nil {
		return nil, fmt.Errorf("decoding manifest from %s: %w", p.nodeID, err)
	}
	return entries, nil
}

// FetchDocument pulls one version's content and its manifest entry.
func (p *PeerSession) FetchDocument(ctx context.Context, docID, versionID string) (docstore.Entry, []byte, error) {
	resp, err := p.client.Request(ctx, protocol.TypeSyncRequest, map[string]any{
		"kind":        "document",
		"document_id": docID,
		"version_id":  versionID,
	})
	if err != nil {
		return docstore.Entry{}, nil, fmt.Errorf("fetching %s from %s: %w", docID, p.nodeID, err)
	}

	var e docstore.Entry
	if err := fromPayload(resp.Payload["entry"], &e); err != nil {
		return docstore.Entry{}, nil, fmt.Errorf("decoding entry for %s: %w", docID, err)
	}
	encoded, _ := resp.Payload["content"].(string)
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return docstore.Entry{}, nil, fmt.Errorf("decoding content for %s: %w", docID, err)
	}
	return e, content, nil
}

// PushDocument sends one version to the peer and waits for the ack.
func (p *PeerSession) PushDocument(ctx context.Context, e docstore.Entry, content []byte) error {
	entry, err := toPayload(e)
	if err != nil {
		return err
	}
	resp, err := p.client.Request(ctx, protocol.TypeSyncData, map[string]any{
		"entry":   entry,
		"content": base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return fmt.Errorf("pushing %s to %s: %w", e.DocumentID, p.nodeID, err)
	}
	if resp.Type != protocol.TypeSyncAck {
		return fmt.Errorf("pushing %s to %s: unexpected response %s", e.DocumentID, p.nodeID, resp.Type)
	}
	return nil
}

// Complete tells the peer the sync run is over.
func (p *PeerSession) Complete(ctx context.Context) error {
	return p.client.Send(protocol.TypeSyncComplete, nil)
}

// Close closes the underlying client.
func (p *PeerSession) Close() {
	p.client.Close()
}

// RegisterHandlers wires the serving side of the sync protocol onto a
// transport server backed by the given document store.
func RegisterHandlers(srv *transport.Server, docs *docstore.Store) {
	srv.Handle(protocol.TypeSyncRequest, func(sess *transport.Session, m *protocol.Message) (protocol.MessageType, map[string]any, error) {
		kind, _ := m.Payload["kind"].(string)
		switch kind {
		case "manifest":
			entries, err := docs.Manifest()
			if err != nil {
				return 0, nil, err
			}
			manifest, err := toPayloadSlice(entries)
			if err != nil {
				return 0, nil, err
			}
			return protocol.TypeSyncResponse, map[string]any{"manifest": manifest}, nil

		case "document":
			docID, _ := m.Payload["document_id"].(string)
			versionID, _ := m.Payload["version_id"].(string)
			e, err := docs.Version(docID, versionID)
			if err != nil {
				return 0, nil, fmt.Errorf("version %s/%s: %w", docID, versionID, err)
			}
			content, err := docs.GetBytes(docID, versionID)
			if err != nil {
				return 0, nil, err
			}
			entry, err := toPayload(e)
			if err != nil {
				return 0, nil, err
			}
			return protocol.TypeSyncData, map[string]any{
				"entry":   entry,
				"content": base64.StdEncoding.EncodeToString(content),
			}, nil

		default:
			return 0, nil, fmt.Errorf("unknown sync request kind: %q", kind)
		}
	})

	srv.Handle(protocol.TypeSyncData, func(sess *transport.Session, m *protocol.Message) (protocol.MessageType, map[string]any, error) {
		var e docstore.Entry
		if err := fromPayload(m.Payload["entry"], &e); err != nil {
			return 0, nil, fmt.Errorf("decoding pushed entry: %w", err)
		}
		encoded, _ := m.Payload["content"].(string)
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return 0, nil, fmt.Errorf("decoding pushed content: %w", err)
		}
		if err := docs.StoreRemote(e, sess.NodeID(), content); err != nil {
			return 0, nil, err
		}
		return protocol.TypeSyncAck, map[string]any{
			"document_id": e.DocumentID,
			"version_id":  e.VersionID,
			"stored":      true,
		}, nil
	})

	srv.Handle(protocol.TypeSyncComplete, func(sess *transport.Session, m *protocol.Message) (protocol.MessageType, map[string]any, error) {
		log.Debug().Str("node_id", sess.NodeID()).Msg("peer finished sync run")
		return 0, nil, nil
	})
}

// toPayload converts a value to the map form messages carry.
func toPayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toPayloadSlice[T any](vs []T) ([]any, error) {
	out := make([]any, 0, len(vs))
	for _, v := range vs {
		m, err := toPayload(v)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// fromPayload converts a payload value back into a typed struct.
func fromPayload(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
