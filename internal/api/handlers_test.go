package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustmesh/node/internal/engine"
	"github.com/trustmesh/node/internal/identity"
	"github.com/trustmesh/node/internal/registry"
	"github.com/trustmesh/node/internal/storage"
	"github.com/trustmesh/node/internal/transport"
)

// newTestServer spins up a full local stack (real sqlite file, real libp2p
// host, no peers) behind an httptest.Server, the way
// node_integration_test.go in the pack exercises a node's HTTP routes.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "id.key"))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	tr, err := transport.New(id, "/ip4/127.0.0.1/tcp/0")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	reg := registry.New(store, tr)
	eng := engine.New(store, reg, tr, 2*time.Second)
	tr.SetQueryHandler(eng.HandleRemote)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(store, reg, eng, tr).Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthAndSelf(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}

	var self struct {
		PeerID    string `json:"peer_id"`
		Multiaddr string `json:"multiaddr"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/peers/self", nil, &self)
	if self.PeerID == "" {
		t.Fatal("expected a non-empty peer id")
	}
	if !strings.Contains(self.Multiaddr, self.PeerID) {
		t.Fatalf("expected multiaddr to encapsulate peer id, got %q", self.Multiaddr)
	}
}

func TestExperienceLifecycleAndTrustQuery(t *testing.T) {
	srv := newTestServer(t)

	var exp storage.Experience
	resp := doJSON(t, http.MethodPost, srv.URL+"/experiences", map[string]any{
		"id_domain": "ethereum", "agent_id": "0xA", "investment": 1000, "return_value": 1200, "timeframe_days": 30,
	}, &exp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add experience: want 200, got %d", resp.StatusCode)
	}
	if exp.PVROI != 1.2 || exp.InvestedVolume != 1000 {
		t.Fatalf("unexpected computed experience: %+v", exp)
	}

	var score struct {
		ExpectedPVROI float64 `json:"expected_pv_roi"`
		TotalVolume   float64 `json:"total_volume"`
		DataPoints    int     `json:"data_points"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/trust/ethereum/0xA", nil, &score)
	if score.ExpectedPVROI != 1.2 || score.TotalVolume != 1000 || score.DataPoints != 1 {
		t.Fatalf("unexpected trust score: %+v", score)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/experiences/"+exp.ID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete experience: want 204, got %d", resp.StatusCode)
	}

	doJSON(t, http.MethodGet, srv.URL+"/trust/ethereum/0xA", nil, &score)
	if score.DataPoints != 0 || score.ExpectedPVROI != 1.0 {
		t.Fatalf("want canonical default after delete, got %+v", score)
	}
}

func TestAddPeerConflictsOnDuplicate(t *testing.T) {
	srv := newTestServer(t)

	body := map[string]any{"peer_id": "peerA", "multiaddr": "", "recommender_quality": 0.5}
	resp := doJSON(t, http.MethodPost, srv.URL+"/peers", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first add: want 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/peers", body, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate add: want 409, got %d", resp.StatusCode)
	}
}

func TestQueryTrustBatchReconstructsCanonicalDefaults(t *testing.T) {
	srv := newTestServer(t)

	var out struct {
		Scores []struct {
			IDDomain      string  `json:"id_domain"`
			AgentID       string  `json:"agent_id"`
			ExpectedPVROI float64 `json:"expected_pv_roi"`
			DataPoints    int     `json:"data_points"`
		} `json:"scores"`
	}
	doJSON(t, http.MethodPost, srv.URL+"/trust/batch", map[string]any{
		"agents": []map[string]string{{"id_domain": "ethereum", "agent_id": "0xUnknown"}},
	}, &out)

	if len(out.Scores) != 1 || out.Scores[0].DataPoints != 0 || out.Scores[0].ExpectedPVROI != 1.0 {
		t.Fatalf("unexpected batch result: %+v", out.Scores)
	}
}
