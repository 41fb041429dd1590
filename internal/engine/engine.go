// Package engine implements the recursive trust query of §4.4: the
// depth-bounded fan-out across declared peers, volume-weighted combination
// of everything admitted, and the cache fallback for agents no live peer
// answered. This is the one piece of the node that is genuinely concurrent
// and genuinely hard to get right — see DESIGN.md for how it's grounded.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/trustmesh/node/internal/kinderr"
	"github.com/trustmesh/node/internal/registry"
	"github.com/trustmesh/node/internal/scoring"
	"github.com/trustmesh/node/internal/storage"
	"github.com/trustmesh/node/internal/transport"
)

// DefaultPeerTimeout bounds how long the engine waits on any single peer
// before treating it as unresponsive (§4.4: "each peer call has its own
// timeout; one slow peer must not stall the others").
const DefaultPeerTimeout = 5 * time.Second

// Engine answers trust queries, locally or on behalf of a remote peer.
type Engine struct {
	store       *storage.Store
	registry    *registry.Registry
	transport   *transport.Transport
	peerTimeout time.Duration
}

func New(store *storage.Store, reg *registry.Registry, tr *transport.Transport, peerTimeout time.Duration) *Engine {
	if peerTimeout <= 0 {
		peerTimeout = DefaultPeerTimeout
	}
	return &Engine{store: store, registry: reg, transport: tr, peerTimeout: peerTimeout}
}

// Query answers a single agent query issued locally (the HTTP API's entry
// point), with no immediate sender to exclude from fan-out.
func (e *Engine) Query(ctx context.Context, idDomain, agentID string, maxDepth int, forgetRate float64, pointInTime time.Time) (scoring.TrustScore, error) {
	target := transport.AgentRef{IDDomain: idDomain, AgentID: agentID}
	results, err := e.QueryBatch(ctx, []transport.AgentRef{target}, maxDepth, forgetRate, pointInTime)
	if err != nil {
		return scoring.TrustScore{}, err
	}
	score, ok := results[target]
	if !ok {
		return scoring.Default, nil
	}
	return score, nil
}

// QueryBatch answers many agent queries in one pass, issuing at most one
// wire request per fan-out peer regardless of how many targets are asked
// for (§4.4's batching requirement).
func (e *Engine) QueryBatch(ctx context.Context, targets []transport.AgentRef, maxDepth int, forgetRate float64, pointInTime time.Time) (map[transport.AgentRef]scoring.TrustScore, error) {
	if pointInTime.IsZero() {
		pointInTime = time.Now().UTC()
	}
	return e.run(ctx, "", targets, maxDepth, forgetRate, pointInTime)
}

// HandleRemote answers an inbound TrustQueryRequest from sender. It
// satisfies transport.QueryHandler and is registered with the transport at
// startup. Agents the node has nothing to say about are omitted from the
// response rather than reported with the canonical default (§4.3).
func (e *Engine) HandleRemote(ctx context.Context, sender peer.ID, req transport.TrustQueryRequest) transport.TrustQueryResponse {
	pointInTime := req.PointInTime
	if pointInTime.IsZero() {
		pointInTime = time.Now().UTC()
	}

	results, err := e.run(ctx, sender, req.Agents, req.MaxDepth, req.ForgetRate, pointInTime)
	if err != nil {
		log.Printf("engine: remote query from %s failed: %v", sender, err)
		return transport.TrustQueryResponse{RequestID: req.RequestID}
	}

	resp := transport.TrustQueryResponse{RequestID: req.RequestID}
	for target, score := range results {
		if score.DataPoints == 0 {
			continue
		}
		resp.Scores = append(resp.Scores, transport.ScoreEntry{
			IDDomain:      target.IDDomain,
			AgentID:       target.AgentID,
			ExpectedPVROI: score.ExpectedPVROI,
			TotalVolume:   score.TotalVolume,
			DataPoints:    score.DataPoints,
		})
	}
	return resp
}

// run implements the four steps of §4.4: local experiences, fresh peer
// fan-out (excluding sender, the cycle-avoidance rule), cache fallback for
// any target the fan-out didn't admit a fresh answer for, and combination.
// sender is the zero peer.ID for locally originated queries, which never
// matches a real peer and so excludes nothing.
func (e *Engine) run(ctx context.Context, sender peer.ID, targets []transport.AgentRef, maxDepth int, forgetRate float64, pointInTime time.Time) (map[transport.AgentRef]scoring.TrustScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, kinderr.Wrap(kinderr.Cancelled, "query cancelled", err)
	}

	selfContribs := make(map[transport.AgentRef][]scoring.Contribution, len(targets))
	for _, target := range targets {
		experiences, err := e.store.ListExperiences(target.IDDomain, target.AgentID)
		if err != nil {
			return nil, err
		}
		for _, exp := range experiences {
			age := scoring.AgeYears(exp.Timestamp, pointInTime)
			weight := scoring.AgeWeight(exp.InvestedVolume, forgetRate, age)
			selfContribs[target] = append(selfContribs[target], scoring.Contribution{
				ROI: exp.PVROI, Weight: weight, DataPoints: 1,
			})
		}
	}

	freshContribs, freshAdmitted := e.fanout(ctx, sender, targets, maxDepth, forgetRate, pointInTime)

	if err := ctx.Err(); err != nil {
		return nil, kinderr.Wrap(kinderr.Cancelled, "query cancelled", err)
	}

	out := make(map[transport.AgentRef]scoring.TrustScore, len(targets))
	for _, target := range targets {
		contribs := append([]scoring.Contribution{}, selfContribs[target]...)
		if freshAdmitted[target] {
			contribs = append(contribs, freshContribs[target]...)
		} else {
			cached, err := e.cacheFallback(target, forgetRate)
			if err != nil {
				return nil, err
			}
			contribs = append(contribs, cached...)
		}
		out[target] = scoring.Combine(contribs)
	}
	return out, nil
}

// fanout queries every eligible peer concurrently, each under its own
// timeout, and admits every non-empty score it gets back before any peer
// that simply timed out or errored can hold up the others. Each peer's
// answers are cached under its own name once every peer call has finished,
// and only if the overall query hasn't been cancelled by then (§8 invariant
// 5: a cancelled query must not leave cache writes behind).
func (e *Engine) fanout(ctx context.Context, sender peer.ID, targets []transport.AgentRef, maxDepth int, forgetRate float64, pointInTime time.Time) (map[transport.AgentRef][]scoring.Contribution, map[transport.AgentRef]bool) {
	contribs := make(map[transport.AgentRef][]scoring.Contribution, len(targets))
	admitted := make(map[transport.AgentRef]bool, len(targets))
	if maxDepth <= 0 {
		return contribs, admitted
	}

	candidates, err := e.registry.FanoutCandidates(sender)
	if err != nil {
		log.Printf("engine: listing fan-out candidates: %v", err)
		return contribs, admitted
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var cacheWrites []func()
	for _, p := range candidates {
		pid, err := peer.Decode(p.PeerID)
		if err != nil {
			continue
		}

		wg.Add(1)
		go func(p storage.Peer, pid peer.ID) {
			defer wg.Done()

			req := transport.TrustQueryRequest{
				Agents:      targets,
				MaxDepth:    maxDepth - 1,
				PointInTime: pointInTime,
				ForgetRate:  forgetRate,
				RequestID:   uuid.NewString(),
			}
			resp, err := e.transport.Query(ctx, pid, req, e.peerTimeout)
			if err != nil {
				return
			}

			now := time.Now().UTC()
			mu.Lock()
			defer mu.Unlock()
			for _, entry := range resp.Scores {
				if entry.DataPoints == 0 {
					continue
				}
				target := transport.AgentRef{IDDomain: entry.IDDomain, AgentID: entry.AgentID}
				score := scoring.TrustScore{ExpectedPVROI: entry.ExpectedPVROI, TotalVolume: entry.TotalVolume, DataPoints: entry.DataPoints}
				cacheWrites = append(cacheWrites, func() {
					if err := e.store.PutCachedScore(p.PeerID, entry.IDDomain, entry.AgentID, score, now); err != nil {
						log.Printf("engine: caching score from %s: %v", p.PeerID, err)
					}
				})
				admitted[target] = true
				contribs[target] = append(contribs[target], scoring.ReweightPeer(entry.ExpectedPVROI, entry.TotalVolume, p.RecommenderQuality, entry.DataPoints))
			}
		}(p, pid)
	}
	wg.Wait()

	if ctx.Err() == nil {
		for _, write := range cacheWrites {
			write()
		}
	}

	return contribs, admitted
}

// cacheFallback re-ages every peer's last known answer for target by the
// real time elapsed since it was cached (§4.4 step 3), so a cache hit with
// zero elapsed time reproduces a live answer exactly (§8 invariant 4).
func (e *Engine) cacheFallback(target transport.AgentRef, forgetRate float64) ([]scoring.Contribution, error) {
	rows, err := e.store.GetCachedScores(target.IDDomain, target.AgentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	contribs := make([]scoring.Contribution, 0, len(rows))
	for _, row := range rows {
		reweighted := scoring.ReweightPeer(row.Score.Score.ExpectedPVROI, row.Score.Score.TotalVolume, row.Peer.RecommenderQuality, row.Score.Score.DataPoints)
		ageYears := scoring.AgeYears(row.Score.CachedAt, now)
		reweighted.Weight = scoring.AgeWeight(reweighted.Weight, forgetRate, ageYears)
		contribs = append(contribs, reweighted)
	}
	return contribs, nil
}
