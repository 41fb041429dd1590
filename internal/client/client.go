// Package client provides a Go SDK for talking to one trust node over its
// local HTTP API.
//
// Big idea:
//
// Instead of writing raw HTTP requests everywhere,
// we wrap them inside a clean Go API.
//
// So instead of:
//
//	http.NewRequest(...)
//	json.Marshal(...)
//
// Users can simply call:
//
//	client.AddExperience(ctx, ...)
//	client.QueryTrust(ctx, "ethereum", "0xA", opts)
//
// This is called a "client library" or "SDK".
//
// It hides:
//   - HTTP details
//   - JSON encoding/decoding
//   - Error handling
//
// And exposes a clean Go interface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client represents a connection to ONE trust node.
//
// Important:
//
// This client talks to a single node. That node is responsible for
// fanning a query out to its own declared peers — the client never
// talks P2P itself, only HTTP to the node it was pointed at.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Client. timeout protects us from hanging forever — in
// distributed systems, NEVER call network without a timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Peer mirrors storage.Peer on the wire, without importing the server's
// internal package from client code.
type Peer struct {
	PeerID             string    `json:"peer_id" binding:"required"`
	Multiaddr          string    `json:"multiaddr"`
	Name               string    `json:"name"`
	RecommenderQuality float64   `json:"recommender_quality"`
	AddedAt            time.Time `json:"added_at"`
}

// Experience mirrors storage.Experience on the wire.
type Experience struct {
	ID             string    `json:"id"`
	IDDomain       string    `json:"id_domain"`
	AgentID        string    `json:"agent_id"`
	PVROI          float64   `json:"pv_roi"`
	InvestedVolume float64   `json:"invested_volume"`
	Timestamp      time.Time `json:"timestamp"`
	Notes          string    `json:"notes"`
}

// TrustScore is the canonical query-response triple (§3).
type TrustScore struct {
	ExpectedPVROI float64 `json:"expected_pv_roi"`
	TotalVolume   float64 `json:"total_volume"`
	DataPoints    int     `json:"data_points"`
}

// AgentRef identifies one agent to ask about, as a wire value.
type AgentRef struct {
	IDDomain string `json:"id_domain"`
	AgentID  string `json:"agent_id"`
}

// ─── Peer registry ────────────────────────────────────────────────────────

// SelfIdentity is this node's own peer id and dialing hint (§6).
type SelfIdentity struct {
	PeerID    string `json:"peer_id"`
	Multiaddr string `json:"multiaddr"`
}

// Self returns this node's own identity.
func (c *Client) Self(ctx context.Context) (SelfIdentity, error) {
	var out SelfIdentity
	err := c.doJSON(ctx, http.MethodGet, "/peers/self", nil, &out)
	return out, err
}

// AddPeer declares a new peer. Conflict if peer_id is already known.
func (c *Client) AddPeer(ctx context.Context, p Peer) (Peer, error) {
	var out Peer
	err := c.doJSON(ctx, http.MethodPost, "/peers", p, &out)
	return out, err
}

// ListPeers lists every declared peer.
func (c *Client) ListPeers(ctx context.Context) ([]Peer, error) {
	var out struct {
		Peers []Peer `json:"peers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/peers", nil, &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// UpdatePeerQuality sets a declared peer's recommender_quality.
func (c *Client) UpdatePeerQuality(ctx context.Context, peerID string, quality float64) (Peer, error) {
	body := map[string]float64{"recommender_quality": quality}
	var out Peer
	err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/peers/%s/quality", url.PathEscape(peerID)), body, &out)
	return out, err
}

// RemovePeer un-declares a peer. Idempotent.
func (c *Client) RemovePeer(ctx context.Context, peerID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/peers/%s", url.PathEscape(peerID)), nil, nil)
}

// ConnectedPeers lists peer ids the node currently has an open session with.
func (c *Client) ConnectedPeers(ctx context.Context) ([]string, error) {
	var out struct {
		Connected []string `json:"connected"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/peers/connected", nil, &out); err != nil {
		return nil, err
	}
	return out.Connected, nil
}

// ─── Experiences ──────────────────────────────────────────────────────────

// AddExperienceRequest is the client-side input to AddExperience. pv_roi and
// invested_volume are computed server-side from Investment and ReturnValue.
type AddExperienceRequest struct {
	IDDomain      string  `json:"id_domain"`
	AgentID       string  `json:"agent_id"`
	Investment    float64 `json:"investment"`
	ReturnValue   float64 `json:"return_value"`
	TimeframeDays float64 `json:"timeframe_days"`
	Notes         string  `json:"notes"`
}

// AddExperience records a direct interaction.
func (c *Client) AddExperience(ctx context.Context, req AddExperienceRequest) (Experience, error) {
	var out Experience
	err := c.doJSON(ctx, http.MethodPost, "/experiences", req, &out)
	return out, err
}

// ListExperiences lists every locally recorded experience for a target.
func (c *Client) ListExperiences(ctx context.Context, idDomain, agentID string) ([]Experience, error) {
	var out struct {
		Experiences []Experience `json:"experiences"`
	}
	path := fmt.Sprintf("/experiences/%s/%s", url.PathEscape(idDomain), url.PathEscape(agentID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Experiences, nil
}

// DeleteExperience removes one experience by id.
func (c *Client) DeleteExperience(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/experiences/%s", url.PathEscape(id)), nil, nil)
}

// ─── Trust queries ────────────────────────────────────────────────────────

// QueryOptions carries the optional query-string parameters of GET /trust.
// A zero value uses the server's defaults.
type QueryOptions struct {
	MaxDepth    *int
	ForgetRate  float64
	PointInTime time.Time
}

// QueryTrust answers "what should I expect from this agent".
func (c *Client) QueryTrust(ctx context.Context, idDomain, agentID string, opts QueryOptions) (TrustScore, error) {
	q := url.Values{}
	if opts.MaxDepth != nil {
		q.Set("max_depth", strconv.Itoa(*opts.MaxDepth))
	}
	if opts.ForgetRate != 0 {
		q.Set("forget_rate", strconv.FormatFloat(opts.ForgetRate, 'g', -1, 64))
	}
	if !opts.PointInTime.IsZero() {
		q.Set("point_in_time", opts.PointInTime.Format(time.RFC3339))
	}

	path := fmt.Sprintf("/trust/%s/%s", url.PathEscape(idDomain), url.PathEscape(agentID))
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out TrustScore
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// BatchScore pairs one requested agent with its resulting score.
type BatchScore struct {
	AgentRef
	TrustScore
}

// QueryTrustBatch answers many agents in one round trip.
func (c *Client) QueryTrustBatch(ctx context.Context, agents []AgentRef, opts QueryOptions) ([]BatchScore, error) {
	body := map[string]any{
		"agents":      agents,
		"forget_rate": opts.ForgetRate,
	}
	if opts.MaxDepth != nil {
		body["max_depth"] = *opts.MaxDepth
	}
	if !opts.PointInTime.IsZero() {
		body["point_in_time"] = opts.PointInTime
	}

	var out struct {
		Scores []BatchScore `json:"scores"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/trust/batch", body, &out); err != nil {
		return nil, err
	}
	return out.Scores, nil
}

// ─── Transport plumbing ───────────────────────────────────────────────────

// doJSON sends a JSON request and decodes a JSON response.
//
// Flow:
//  1. Marshal body (if any)
//  2. Build the HTTP request
//  3. Send it
//  4. Check the status code
//  5. Decode into out (if the caller wants a result)
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ─── Errors ───────────────────────────────────────────────────────────────

// ErrNotFound is returned when the server responds 404.
var ErrNotFound = fmt.Errorf("not found")

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// checkStatus converts HTTP error responses into Go errors. 404 becomes the
// sentinel ErrNotFound so callers can errors.Is against it; everything else
// in the 4xx/5xx range becomes an *APIError carrying the server's message.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
