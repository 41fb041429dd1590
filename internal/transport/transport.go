package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/trustmesh/node/internal/identity"
	"github.com/trustmesh/node/internal/kinderr"
)

// QueryHandler answers a remote TrustQueryRequest. sender is the peer that
// opened the stream — the responder's engine must not forward the request
// back to sender (§4.4 cycle avoidance).
type QueryHandler func(ctx context.Context, sender peer.ID, req TrustQueryRequest) TrustQueryResponse

// Transport owns the node's libp2p host: connection lifecycle, authenticated
// identity, and the request/response RPC for trust queries (§4.3).
type Transport struct {
	host host.Host
}

// New starts a libp2p host bound to listenAddr (a multiaddr string, e.g.
// "/ip4/0.0.0.0/tcp/4001") using id's keypair as the host's identity.
func New(id *identity.Identity, listenAddr string) (*Transport, error) {
	h, err := libp2p.New(
		libp2p.Identity(id.PrivateKey),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "start p2p host", err)
	}
	return &Transport{host: h}, nil
}

// Host exposes the underlying libp2p host, e.g. for reading its listen
// addresses at startup.
func (t *Transport) Host() host.Host { return t.host }

// PeerID returns this node's own peer id.
func (t *Transport) PeerID() peer.ID { return t.host.ID() }

// SetQueryHandler registers the engine's callback as the stream handler for
// ProtocolID. One stream carries exactly one request/response pair.
func (t *Transport) SetQueryHandler(handler QueryHandler) {
	t.host.SetStreamHandler(ProtocolID, func(s network.Stream) {
		defer s.Close()

		sender := s.Conn().RemotePeer()
		var req TrustQueryRequest
		if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
			log.Printf("transport: malformed query from %s: %v", sender, err)
			s.Reset()
			return
		}

		resp := handler(context.Background(), sender, req)

		if err := json.NewEncoder(s).Encode(resp); err != nil {
			log.Printf("transport: failed writing response to %s: %v", sender, err)
			s.Reset()
		}
	})
}

// Dial adds addr to the peerstore and connects to peerID. Dial failures are
// non-fatal to the caller (§4.3); DialWithBackoff retries.
func (t *Transport) Dial(ctx context.Context, peerID peer.ID, addr string) error {
	if addr == "" {
		return kinderr.New(kinderr.Transport, "no multiaddr to dial")
	}
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return kinderr.Wrap(kinderr.InvalidInput, "parse multiaddr", err)
	}
	t.host.Peerstore().AddAddr(peerID, maddr, time.Hour*24*365)

	if err := t.host.Connect(ctx, peer.AddrInfo{ID: peerID, Addrs: []multiaddr.Multiaddr{maddr}}); err != nil {
		return kinderr.Wrap(kinderr.Transport, fmt.Sprintf("dial %s", peerID), err)
	}
	return nil
}

// DialWithBackoff retries Dial with bounded exponential backoff, logging
// failures rather than returning them — called from a background goroutine
// at startup so a temporarily offline peer doesn't block boot (§4.3).
func (t *Transport) DialWithBackoff(ctx context.Context, peerID peer.ID, addr string, attempts int) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for i := 0; i < attempts; i++ {
		if err := t.Dial(ctx, peerID, addr); err == nil {
			return
		} else if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	log.Printf("transport: giving up dialing %s after %d attempts", peerID, attempts)
}

// IsConnected reports whether peerID currently has an open connection.
func (t *Transport) IsConnected(peerID peer.ID) bool {
	return t.host.Network().Connectedness(peerID) == network.Connected
}

// ConnectedPeers returns the set of currently connected peer ids (§4.3,
// consumed by GET /peers/connected).
func (t *Transport) ConnectedPeers() []peer.ID {
	return t.host.Network().Peers()
}

// Query opens one stream to peerID, sends req, and waits for a response or
// for deadline to expire — the independent per-peer timeout of §4.4.
func (t *Transport) Query(ctx context.Context, peerID peer.ID, req TrustQueryRequest, deadline time.Duration) (TrustQueryResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	s, err := t.host.NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		return TrustQueryResponse{}, kinderr.Wrap(kinderr.Transport, fmt.Sprintf("open stream to %s", peerID), err)
	}
	defer s.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	if err := json.NewEncoder(s).Encode(req); err != nil {
		s.Reset()
		return TrustQueryResponse{}, kinderr.Wrap(kinderr.Transport, "send query", err)
	}
	_ = s.CloseWrite()

	var resp TrustQueryResponse
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return TrustQueryResponse{}, kinderr.Wrap(kinderr.Timeout, fmt.Sprintf("query %s timed out", peerID), err)
		}
		return TrustQueryResponse{}, kinderr.Wrap(kinderr.Transport, "read response", err)
	}
	if resp.RequestID != req.RequestID {
		return TrustQueryResponse{}, kinderr.New(kinderr.Transport, "response request_id mismatch")
	}
	return resp, nil
}

// Close shuts down the libp2p host, releasing all sessions and listeners.
func (t *Transport) Close() error {
	return t.host.Close()
}
