package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/trustmesh/node/internal/identity"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "id.key"))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	tr, err := New(id, "/ip4/127.0.0.1/tcp/0")
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestQueryRoundTrip(t *testing.T) {
	responder := newTestTransport(t)
	requester := newTestTransport(t)

	responder.SetQueryHandler(func(ctx context.Context, sender peer.ID, req TrustQueryRequest) TrustQueryResponse {
		if sender != requester.PeerID() {
			t.Errorf("handler saw sender %s, want %s", sender, requester.PeerID())
		}
		return TrustQueryResponse{
			RequestID: req.RequestID,
			Scores: []ScoreEntry{
				{IDDomain: "ethereum", AgentID: "0xA", ExpectedPVROI: 1.2, TotalVolume: 1000, DataPoints: 1},
			},
		}
	})

	addrs := responder.Host().Addrs()
	if len(addrs) == 0 {
		t.Fatal("responder has no listen addresses")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := requester.Dial(ctx, responder.PeerID(), addrs[0].String()); err != nil {
		t.Fatalf("dial: %v", err)
	}

	resp, err := requester.Query(ctx, responder.PeerID(), TrustQueryRequest{
		Agents:    []AgentRef{{IDDomain: "ethereum", AgentID: "0xA"}},
		MaxDepth:  1,
		RequestID: "req-1",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(resp.Scores) != 1 || resp.Scores[0].ExpectedPVROI != 1.2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestQueryTimesOutOnUnresponsivePeer(t *testing.T) {
	responder := newTestTransport(t)
	requester := newTestTransport(t)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	responder.SetQueryHandler(func(ctx context.Context, sender peer.ID, req TrustQueryRequest) TrustQueryResponse {
		<-block
		return TrustQueryResponse{RequestID: req.RequestID}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := requester.Dial(ctx, responder.PeerID(), responder.Host().Addrs()[0].String()); err != nil {
		t.Fatalf("dial: %v", err)
	}

	_, err := requester.Query(ctx, responder.PeerID(), TrustQueryRequest{RequestID: "req-2"}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
