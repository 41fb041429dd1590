// Package registry is the storage-backed peer registry of §4.3: it owns
// declared peers (CRUD through storage) and coordinates dialing them
// through the transport, so registry mutations serialize through storage
// the way §5 requires.
package registry

import (
	"context"
	"log"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/trustmesh/node/internal/storage"
	"github.com/trustmesh/node/internal/transport"
)

// Registry couples the declared-peer table to the live transport.
type Registry struct {
	storage   *storage.Store
	transport *transport.Transport
}

func New(store *storage.Store, t *transport.Transport) *Registry {
	return &Registry{storage: store, transport: t}
}

// DialDeclaredPeers attempts to dial every declared peer with a multiaddr at
// startup. Dial failures are non-fatal and retried with bounded backoff in
// the background (§4.3).
func (r *Registry) DialDeclaredPeers(ctx context.Context) {
	peers, err := r.storage.ListPeers()
	if err != nil {
		log.Printf("registry: list peers at startup: %v", err)
		return
	}
	for _, p := range peers {
		if p.Multiaddr == "" {
			continue
		}
		pid, err := peer.Decode(p.PeerID)
		if err != nil {
			log.Printf("registry: peer %q has invalid peer_id: %v", p.PeerID, err)
			continue
		}
		go r.transport.DialWithBackoff(ctx, pid, p.Multiaddr, 10)
	}
}

// AddPeer declares a new peer and, if it carries a dialing hint, kicks off a
// best-effort connection attempt in the background.
func (r *Registry) AddPeer(ctx context.Context, p storage.Peer) (storage.Peer, error) {
	stored, err := r.storage.UpsertPeer(p)
	if err != nil {
		return storage.Peer{}, err
	}
	if stored.Multiaddr != "" {
		if pid, err := peer.Decode(stored.PeerID); err == nil {
			go r.transport.DialWithBackoff(ctx, pid, stored.Multiaddr, 10)
		}
	}
	return stored, nil
}

func (r *Registry) RemovePeer(peerID string) error {
	return r.storage.DeletePeer(peerID)
}

func (r *Registry) UpdateQuality(peerID string, quality float64) (storage.Peer, error) {
	return r.storage.UpdatePeerQuality(peerID, quality)
}

func (r *Registry) ListDeclared() ([]storage.Peer, error) {
	return r.storage.ListPeers()
}

// ConnectedPeerIDs returns the set of currently connected peer ids, as
// libp2p peer.ID values (§4.3, consumed by GET /peers/connected).
func (r *Registry) ConnectedPeerIDs() []peer.ID {
	return r.transport.ConnectedPeers()
}

// FanoutCandidates returns the declared peers eligible for a fresh query
// fan-out: currently connected, with non-zero |recommender_quality| (§4.4
// step 2). skip excludes a peer id (the engine's immediate sender), so a
// forwarded request never loops back to whoever sent it.
func (r *Registry) FanoutCandidates(skip peer.ID) ([]storage.Peer, error) {
	declared, err := r.storage.ListPeers()
	if err != nil {
		return nil, err
	}

	var out []storage.Peer
	for _, p := range declared {
		if p.RecommenderQuality == 0 {
			continue
		}
		pid, err := peer.Decode(p.PeerID)
		if err != nil {
			continue
		}
		if pid == skip {
			continue
		}
		if !r.transport.IsConnected(pid) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
