// Package storage is the node's single writer of durable state (§4.2).
//
// It keeps Experiences, declared Peers, and CachedScores in one sqlite file
// per user (§6 "Persisted state layout"), the way real databases do it —
// unlike the teacher repo's hand-rolled WAL + JSON snapshot, which this
// package replaces because the spec's required operations are genuinely
// relational: an index on (id_domain, agent_id) and a join between peers
// and cached scores. See DESIGN.md for the full rationale.
//
// Concurrency: sqlite serializes writers at the file level; we additionally
// hold a mutex around each write so an id-generation-then-insert sequence is
// atomic from the caller's point of view, matching the teacher's
// sync.RWMutex-guarded Store. Readers do not take the lock — sqlite's WAL
// journal mode lets them run alongside a writer.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/trustmesh/node/internal/kinderr"
	"github.com/trustmesh/node/internal/scoring"
)

// Experience is one direct interaction record (§3).
type Experience struct {
	ID             string    `json:"id"`
	IDDomain       string    `json:"id_domain"`
	AgentID        string    `json:"agent_id"`
	PVROI          float64   `json:"pv_roi"`
	InvestedVolume float64   `json:"invested_volume"`
	Timestamp      time.Time `json:"timestamp"`
	Notes          string    `json:"notes"`
	Data           []byte    `json:"data,omitempty"`
}

// Peer is a declared trust relationship to another node (§3).
type Peer struct {
	PeerID             string    `json:"peer_id"`
	Multiaddr          string    `json:"multiaddr"`
	Name               string    `json:"name"`
	RecommenderQuality float64   `json:"recommender_quality"`
	AddedAt            time.Time `json:"added_at"`
}

// CachedScore is a previously received aggregated answer from a peer (§3).
type CachedScore struct {
	FromPeer string             `json:"from_peer"`
	IDDomain string             `json:"id_domain"`
	AgentID  string             `json:"agent_id"`
	Score    scoring.TrustScore `json:"score"`
	CachedAt time.Time          `json:"cached_at"`
}

// PeerCachedScore pairs a cached row with the peer that produced it, so the
// engine has the recommender_quality available without a second query.
type PeerCachedScore struct {
	Peer  Peer
	Score CachedScore
}

// Store is the node's durable storage layer.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the sqlite file at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "open database", err)
	}
	db.SetMaxOpenConns(8)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations. Every statement is idempotent so
// startup can run it unconditionally (§4.2).
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS experiences (
			id TEXT PRIMARY KEY,
			id_domain TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			pv_roi REAL NOT NULL,
			invested_volume REAL NOT NULL,
			timestamp INTEGER NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			data BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_experiences_domain_agent
			ON experiences(id_domain, agent_id)`,
		`CREATE TABLE IF NOT EXISTS peers (
			peer_id TEXT PRIMARY KEY,
			multiaddr TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			recommender_quality REAL NOT NULL DEFAULT 0,
			added_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cached_scores (
			from_peer TEXT NOT NULL,
			id_domain TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			expected_pv_roi REAL NOT NULL,
			total_volume REAL NOT NULL,
			data_points INTEGER NOT NULL,
			cached_at INTEGER NOT NULL,
			PRIMARY KEY (from_peer, id_domain, agent_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return kinderr.Wrap(kinderr.Storage, "apply migration", err)
		}
	}
	return nil
}

// ─── Experiences ──────────────────────────────────────────────────────────

// InsertExperience assigns an id and appends the record atomically (§4.2).
func (s *Store) InsertExperience(e Experience) (Experience, error) {
	if e.InvestedVolume <= 0 {
		return Experience{}, kinderr.New(kinderr.InvalidInput, "invested_volume must be > 0")
	}
	if e.PVROI < 0 {
		return Experience{}, kinderr.New(kinderr.InvalidInput, "pv_roi must be >= 0")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.ID = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO experiences (id, id_domain, agent_id, pv_roi, invested_volume, timestamp, notes, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IDDomain, e.AgentID, e.PVROI, e.InvestedVolume, e.Timestamp.UnixNano(), e.Notes, e.Data,
	)
	if err != nil {
		return Experience{}, kinderr.Wrap(kinderr.Storage, "insert experience", err)
	}
	return e, nil
}

// ListExperiences returns every experience recorded for (idDomain, agentID).
func (s *Store) ListExperiences(idDomain, agentID string) ([]Experience, error) {
	rows, err := s.db.Query(
		`SELECT id, id_domain, agent_id, pv_roi, invested_volume, timestamp, notes, data
		 FROM experiences WHERE id_domain = ? AND agent_id = ?`,
		idDomain, agentID,
	)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "list experiences", err)
	}
	defer rows.Close()

	var out []Experience
	for rows.Next() {
		var e Experience
		var ts int64
		if err := rows.Scan(&e.ID, &e.IDDomain, &e.AgentID, &e.PVROI, &e.InvestedVolume, &ts, &e.Notes, &e.Data); err != nil {
			return nil, kinderr.Wrap(kinderr.Storage, "scan experience", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExperiencesForAgent is the HTTP-facing alias for ListExperiences (§4.2).
func (s *Store) ListExperiencesForAgent(idDomain, agentID string) ([]Experience, error) {
	return s.ListExperiences(idDomain, agentID)
}

// DeleteExperience removes an experience by id. Deleting a non-existent id
// is a no-op in effect (idempotent) but is reported as NotFound (§8).
func (s *Store) DeleteExperience(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM experiences WHERE id = ?`, id)
	if err != nil {
		return kinderr.Wrap(kinderr.Storage, "delete experience", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kinderr.Wrap(kinderr.Storage, "delete experience", err)
	}
	if n == 0 {
		return kinderr.New(kinderr.NotFound, fmt.Sprintf("experience %q not found", id))
	}
	return nil
}

// ─── Peers ────────────────────────────────────────────────────────────────

// UpsertPeer inserts a new declared peer. A peer_id that already exists is a
// Conflict, not a silent overwrite (§4.2).
func (s *Store) UpsertPeer(p Peer) (Peer, error) {
	p.RecommenderQuality = scoring.ClampQuality(p.RecommenderQuality)
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM peers WHERE peer_id = ?`, p.PeerID).Scan(&exists); err != nil {
		return Peer{}, kinderr.Wrap(kinderr.Storage, "check peer existence", err)
	}
	if exists > 0 {
		return Peer{}, kinderr.New(kinderr.Conflict, fmt.Sprintf("peer %q already known", p.PeerID))
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (peer_id, multiaddr, name, recommender_quality, added_at) VALUES (?, ?, ?, ?, ?)`,
		p.PeerID, p.Multiaddr, p.Name, p.RecommenderQuality, p.AddedAt.UnixNano(),
	)
	if err != nil {
		return Peer{}, kinderr.Wrap(kinderr.Storage, "insert peer", err)
	}
	return p, nil
}

// UpdatePeerQuality clamps q into [-1, +1] and stores it.
func (s *Store) UpdatePeerQuality(peerID string, q float64) (Peer, error) {
	q = scoring.ClampQuality(q)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE peers SET recommender_quality = ? WHERE peer_id = ?`, q, peerID)
	if err != nil {
		return Peer{}, kinderr.Wrap(kinderr.Storage, "update peer quality", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Peer{}, kinderr.New(kinderr.NotFound, fmt.Sprintf("peer %q not found", peerID))
	}
	return s.getPeer(peerID)
}

func (s *Store) getPeer(peerID string) (Peer, error) {
	var p Peer
	var addedAt int64
	err := s.db.QueryRow(
		`SELECT peer_id, multiaddr, name, recommender_quality, added_at FROM peers WHERE peer_id = ?`,
		peerID,
	).Scan(&p.PeerID, &p.Multiaddr, &p.Name, &p.RecommenderQuality, &addedAt)
	if err == sql.ErrNoRows {
		return Peer{}, kinderr.New(kinderr.NotFound, fmt.Sprintf("peer %q not found", peerID))
	}
	if err != nil {
		return Peer{}, kinderr.Wrap(kinderr.Storage, "get peer", err)
	}
	p.AddedAt = time.Unix(0, addedAt).UTC()
	return p, nil
}

// DeletePeer removes a declared peer. Idempotent: deleting an unknown peer
// is simply a no-op (§4.2), unlike DeleteExperience.
func (s *Store) DeletePeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID); err != nil {
		return kinderr.Wrap(kinderr.Storage, "delete peer", err)
	}
	if _, err := s.db.Exec(`DELETE FROM cached_scores WHERE from_peer = ?`, peerID); err != nil {
		return kinderr.Wrap(kinderr.Storage, "delete peer cache", err)
	}
	return nil
}

// ListPeers returns every declared peer.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT peer_id, multiaddr, name, recommender_quality, added_at FROM peers`)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "list peers", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		var addedAt int64
		if err := rows.Scan(&p.PeerID, &p.Multiaddr, &p.Name, &p.RecommenderQuality, &addedAt); err != nil {
			return nil, kinderr.Wrap(kinderr.Storage, "scan peer", err)
		}
		p.AddedAt = time.Unix(0, addedAt).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Cached scores ────────────────────────────────────────────────────────

// PutCachedScore replaces any prior cached row for (fromPeer, idDomain, agentID).
func (s *Store) PutCachedScore(fromPeer, idDomain, agentID string, score scoring.TrustScore, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO cached_scores (from_peer, id_domain, agent_id, expected_pv_roi, total_volume, data_points, cached_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(from_peer, id_domain, agent_id) DO UPDATE SET
			expected_pv_roi = excluded.expected_pv_roi,
			total_volume = excluded.total_volume,
			data_points = excluded.data_points,
			cached_at = excluded.cached_at`,
		fromPeer, idDomain, agentID, score.ExpectedPVROI, score.TotalVolume, score.DataPoints, now.UnixNano(),
	)
	if err != nil {
		return kinderr.Wrap(kinderr.Storage, "put cached score", err)
	}
	return nil
}

// GetCachedScores returns, for every peer that has one, its latest cached
// estimate for (idDomain, agentID), joined with that peer's current
// recommender_quality (§4.2).
func (s *Store) GetCachedScores(idDomain, agentID string) ([]PeerCachedScore, error) {
	rows, err := s.db.Query(
		`SELECT p.peer_id, p.multiaddr, p.name, p.recommender_quality, p.added_at,
		        c.expected_pv_roi, c.total_volume, c.data_points, c.cached_at
		 FROM cached_scores c
		 JOIN peers p ON p.peer_id = c.from_peer
		 WHERE c.id_domain = ? AND c.agent_id = ?`,
		idDomain, agentID,
	)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "get cached scores", err)
	}
	defer rows.Close()

	var out []PeerCachedScore
	for rows.Next() {
		var pcs PeerCachedScore
		var addedAt, cachedAt int64
		if err := rows.Scan(
			&pcs.Peer.PeerID, &pcs.Peer.Multiaddr, &pcs.Peer.Name, &pcs.Peer.RecommenderQuality, &addedAt,
			&pcs.Score.Score.ExpectedPVROI, &pcs.Score.Score.TotalVolume, &pcs.Score.Score.DataPoints, &cachedAt,
		); err != nil {
			return nil, kinderr.Wrap(kinderr.Storage, "scan cached score", err)
		}
		pcs.Peer.AddedAt = time.Unix(0, addedAt).UTC()
		pcs.Score.FromPeer = pcs.Peer.PeerID
		pcs.Score.IDDomain = idDomain
		pcs.Score.AgentID = agentID
		pcs.Score.CachedAt = time.Unix(0, cachedAt).UTC()
		out = append(out, pcs)
	}
	return out, rows.Err()
}
