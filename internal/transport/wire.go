// Package transport implements the §4.3 P2P overlay: long-lived
// authenticated libp2p sessions to declared peers, and the single
// round-trip TrustQuery request/response protocol of §4.3/§4.4.
package transport

import "time"

// ProtocolID identifies the trust-query stream protocol. Peering is only
// possible between nodes speaking the same protocol version.
const ProtocolID = "/trustmesh/query/1.0.0"

// AgentRef identifies one agent to ask about, as a wire value.
type AgentRef struct {
	IDDomain string `json:"id_domain"`
	AgentID  string `json:"agent_id"`
}

// TrustQueryRequest is the wire request of §4.3.
type TrustQueryRequest struct {
	Agents      []AgentRef `json:"agents"`
	MaxDepth    int        `json:"max_depth"`
	PointInTime time.Time  `json:"point_in_time"`
	ForgetRate  float64    `json:"forget_rate"`
	RequestID   string     `json:"request_id"`
}

// ScoreEntry is one scored agent in a TrustQueryResponse.
type ScoreEntry struct {
	IDDomain      string  `json:"id_domain"`
	AgentID       string  `json:"agent_id"`
	ExpectedPVROI float64 `json:"expected_pv_roi"`
	TotalVolume   float64 `json:"total_volume"`
	DataPoints    int     `json:"data_points"`
}

// TrustQueryResponse is the wire response of §4.3. Agents the responder has
// nothing to say about may be omitted.
type TrustQueryResponse struct {
	RequestID string       `json:"request_id"`
	Scores    []ScoreEntry `json:"scores"`
}
