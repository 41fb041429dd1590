// Package api wires up the Gin HTTP router with all handler functions.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/trustmesh/node/internal/engine"
	"github.com/trustmesh/node/internal/kinderr"
	"github.com/trustmesh/node/internal/registry"
	"github.com/trustmesh/node/internal/storage"
	"github.com/trustmesh/node/internal/transport"
)

// DefaultMaxDepth is used when a caller doesn't specify max_depth (§6).
const DefaultMaxDepth = 3

// Handler holds all dependencies injected from main.
type Handler struct {
	store     *storage.Store
	registry  *registry.Registry
	engine    *engine.Engine
	transport *transport.Transport
	selfID    peer.ID
}

// NewHandler creates a Handler.
func NewHandler(s *storage.Store, r *registry.Registry, e *engine.Engine, t *transport.Transport) *Handler {
	return &Handler{store: s, registry: r, engine: e, transport: t, selfID: t.PeerID()}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)

	peers := r.Group("/peers")
	peers.GET("/self", h.PeerSelf)
	peers.GET("", h.ListPeers)
	peers.POST("", h.AddPeer)
	peers.PUT("/:peer_id/quality", h.UpdatePeerQuality)
	peers.DELETE("/:peer_id", h.RemovePeer)
	peers.GET("/connected", h.ConnectedPeers)

	experiences := r.Group("/experiences")
	experiences.POST("", h.AddExperience)
	experiences.GET("/:id_domain/:agent_id", h.ListExperiences)
	experiences.DELETE("/:id", h.DeleteExperience)

	trust := r.Group("/trust")
	trust.GET("/:id_domain/:agent_id", h.QueryTrust)
	trust.POST("/batch", h.QueryTrustBatch)
}

// statusFor maps a kinderr.Kind to the HTTP status §7 assigns it.
func statusFor(err error) int {
	switch {
	case kinderr.Is(err, kinderr.InvalidInput):
		return http.StatusBadRequest
	case kinderr.Is(err, kinderr.NotFound):
		return http.StatusNotFound
	case kinderr.Is(err, kinderr.Conflict):
		return http.StatusConflict
	case kinderr.Is(err, kinderr.Timeout):
		return http.StatusGatewayTimeout
	case kinderr.Is(err, kinderr.Cancelled):
		return 499 // client closed request, nginx convention; no cache was written.
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// ─── Health & identity ────────────────────────────────────────────────────

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PeerSelf handles GET /peers/self.
func (h *Handler) PeerSelf(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peer_id": h.selfID.String(), "multiaddr": h.selfMultiaddr()})
}

// selfMultiaddr builds the dialing hint other nodes would use to reach this
// one: the host's first listen address with this node's peer id encapsulated
// (§6 "Returns {peer_id, multiaddr} for this node's identity"). Empty if the
// host has no listen addresses yet.
func (h *Handler) selfMultiaddr() string {
	addrs := h.transport.Host().Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0], h.selfID)
}

// ─── Peer registry handlers ───────────────────────────────────────────────

// ListPeers handles GET /peers.
func (h *Handler) ListPeers(c *gin.Context) {
	list, err := h.registry.ListDeclared()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": list})
}

// AddPeer handles POST /peers.
// Body: {"peer_id", "multiaddr", "name", "recommender_quality"}
func (h *Handler) AddPeer(c *gin.Context) {
	var body struct {
		PeerID             string  `json:"peer_id" binding:"required"`
		Multiaddr          string  `json:"multiaddr"`
		Name               string  `json:"name"`
		RecommenderQuality float64 `json:"recommender_quality"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := h.registry.AddPeer(c.Request.Context(), storage.Peer{
		PeerID:             body.PeerID,
		Multiaddr:          body.Multiaddr,
		Name:               body.Name,
		RecommenderQuality: body.RecommenderQuality,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// UpdatePeerQuality handles PUT /peers/:peer_id/quality.
// Body: {"recommender_quality"}
func (h *Handler) UpdatePeerQuality(c *gin.Context) {
	peerID := c.Param("peer_id")

	var body struct {
		RecommenderQuality float64 `json:"recommender_quality"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := h.registry.UpdateQuality(peerID, body.RecommenderQuality)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// RemovePeer handles DELETE /peers/:peer_id.
func (h *Handler) RemovePeer(c *gin.Context) {
	peerID := c.Param("peer_id")
	if err := h.registry.RemovePeer(peerID); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ConnectedPeers handles GET /peers/connected.
func (h *Handler) ConnectedPeers(c *gin.Context) {
	ids := h.registry.ConnectedPeerIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	c.JSON(http.StatusOK, gin.H{"connected": out})
}

// ─── Experience handlers ──────────────────────────────────────────────────

// AddExperience handles POST /experiences.
// Body: {"id_domain", "agent_id", "investment", "return_value", "timeframe_days", "notes", "data"}
// pv_roi and invested_volume are computed by the server, not accepted from the client.
func (h *Handler) AddExperience(c *gin.Context) {
	var body struct {
		IDDomain      string  `json:"id_domain" binding:"required"`
		AgentID       string  `json:"agent_id" binding:"required"`
		Investment    float64 `json:"investment" binding:"required"`
		ReturnValue   float64 `json:"return_value"`
		TimeframeDays float64 `json:"timeframe_days"`
		Notes         string  `json:"notes"`
		Data          []byte  `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Investment <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "investment must be > 0"})
		return
	}

	exp := storage.Experience{
		IDDomain:       body.IDDomain,
		AgentID:        body.AgentID,
		PVROI:          body.ReturnValue / body.Investment,
		InvestedVolume: body.Investment,
		Timestamp:      time.Now().UTC(),
		Notes:          body.Notes,
		Data:           body.Data,
	}

	stored, err := h.store.InsertExperience(exp)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// ListExperiences handles GET /experiences/:id_domain/:agent_id.
func (h *Handler) ListExperiences(c *gin.Context) {
	list, err := h.store.ListExperiencesForAgent(c.Param("id_domain"), c.Param("agent_id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"experiences": list})
}

// DeleteExperience handles DELETE /experiences/:id.
func (h *Handler) DeleteExperience(c *gin.Context) {
	if err := h.store.DeleteExperience(c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Trust query handlers ─────────────────────────────────────────────────

// QueryTrust handles GET /trust/:id_domain/:agent_id.
// Query-string options: max_depth, forget_rate, point_in_time (RFC3339).
func (h *Handler) QueryTrust(c *gin.Context) {
	maxDepth, forgetRate, pointInTime, err := parseQueryOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	score, err := h.engine.Query(c.Request.Context(), c.Param("id_domain"), c.Param("agent_id"), maxDepth, forgetRate, pointInTime)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

// QueryTrustBatch handles POST /trust/batch.
// Body: {"agents": [{"id_domain","agent_id"}, ...], "max_depth", "forget_rate", "point_in_time"}
func (h *Handler) QueryTrustBatch(c *gin.Context) {
	var body struct {
		Agents      []transport.AgentRef `json:"agents" binding:"required"`
		MaxDepth    *int                 `json:"max_depth"`
		ForgetRate  float64              `json:"forget_rate"`
		PointInTime time.Time            `json:"point_in_time"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	maxDepth := DefaultMaxDepth
	if body.MaxDepth != nil {
		maxDepth = *body.MaxDepth
	}

	results, err := h.engine.QueryBatch(c.Request.Context(), body.Agents, maxDepth, body.ForgetRate, body.PointInTime)
	if err != nil {
		writeErr(c, err)
		return
	}

	// Reconstruct canonical defaults for targets the engine had nothing to
	// say about, so callers never have to special-case a missing key (§4.4).
	out := make([]gin.H, len(body.Agents))
	for i, target := range body.Agents {
		score, ok := results[target]
		if !ok {
			out[i] = gin.H{"id_domain": target.IDDomain, "agent_id": target.AgentID, "expected_pv_roi": 1.0, "total_volume": 0.0, "data_points": 0}
			continue
		}
		out[i] = gin.H{
			"id_domain": target.IDDomain, "agent_id": target.AgentID,
			"expected_pv_roi": score.ExpectedPVROI, "total_volume": score.TotalVolume, "data_points": score.DataPoints,
		}
	}
	c.JSON(http.StatusOK, gin.H{"scores": out})
}

func parseQueryOptions(c *gin.Context) (maxDepth int, forgetRate float64, pointInTime time.Time, err error) {
	maxDepth = DefaultMaxDepth
	if v := c.Query("max_depth"); v != "" {
		if _, err = fmt.Sscan(v, &maxDepth); err != nil {
			return 0, 0, time.Time{}, err
		}
	}
	if v := c.Query("forget_rate"); v != "" {
		if _, err = fmt.Sscan(v, &forgetRate); err != nil {
			return 0, 0, time.Time{}, err
		}
	}
	if v := c.Query("point_in_time"); v != "" {
		if pointInTime, err = time.Parse(time.RFC3339, v); err != nil {
			return 0, 0, time.Time{}, err
		}
	}
	return maxDepth, forgetRate, pointInTime, nil
}
