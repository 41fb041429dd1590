package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/trustmesh/node/internal/kinderr"
	"github.com/trustmesh/node/internal/scoring"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertExperienceAssignsIDAndRejectsInvalidVolume(t *testing.T) {
	s := newTestStore(t)

	e, err := s.InsertExperience(Experience{IDDomain: "ethereum", AgentID: "0xA", PVROI: 1.2, InvestedVolume: 1000})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected a generated id")
	}

	if _, err := s.InsertExperience(Experience{IDDomain: "ethereum", AgentID: "0xA", PVROI: 1.2, InvestedVolume: 0}); !kinderr.Is(err, kinderr.InvalidInput) {
		t.Fatalf("want invalid_input for zero volume, got %v", err)
	}
}

func TestListExperiencesExactMatch(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.InsertExperience(Experience{IDDomain: "ethereum", AgentID: "0xA", PVROI: 1.2, InvestedVolume: 1000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertExperience(Experience{IDDomain: "ethereum", AgentID: "0xB", PVROI: 0.9, InvestedVolume: 500}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.ListExperiences("ethereum", "0xA")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].AgentID != "0xA" {
		t.Fatalf("unexpected list result: %+v", got)
	}
}

func TestDeleteExperienceIsNotFoundOnceGone(t *testing.T) {
	s := newTestStore(t)

	e, err := s.InsertExperience(Experience{IDDomain: "ethereum", AgentID: "0xA", PVROI: 1.2, InvestedVolume: 1000})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.DeleteExperience(e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteExperience(e.ID); !kinderr.Is(err, kinderr.NotFound) {
		t.Fatalf("want not_found deleting twice, got %v", err)
	}

	got, err := s.ListExperiences("ethereum", "0xA")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected deleted experience to disappear, got %+v", got)
	}
}

func TestUpsertPeerConflictsOnDuplicate(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertPeer(Peer{PeerID: "peerA"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertPeer(Peer{PeerID: "peerA"}); !kinderr.Is(err, kinderr.Conflict) {
		t.Fatalf("want conflict on duplicate peer_id, got %v", err)
	}
}

func TestUpsertPeerClampsQuality(t *testing.T) {
	s := newTestStore(t)

	p, err := s.UpsertPeer(Peer{PeerID: "peerA", RecommenderQuality: 5})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p.RecommenderQuality != 1 {
		t.Fatalf("want clamped quality 1, got %v", p.RecommenderQuality)
	}
}

func TestUpdatePeerQualityNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpdatePeerQuality("ghost", 0.5); !kinderr.Is(err, kinderr.NotFound) {
		t.Fatalf("want not_found, got %v", err)
	}
}

func TestDeletePeerIsIdempotentAndCascadesCache(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertPeer(Peer{PeerID: "peerA"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.PutCachedScore("peerA", "ethereum", "0xA", scoring.TrustScore{ExpectedPVROI: 1.1, TotalVolume: 10, DataPoints: 1}, time.Now()); err != nil {
		t.Fatalf("put cached score: %v", err)
	}

	if err := s.DeletePeer("peerA"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeletePeer("peerA"); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}

	rows, err := s.GetCachedScores("ethereum", "0xA")
	if err != nil {
		t.Fatalf("get cached scores: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected cascade delete of cached scores, got %+v", rows)
	}
}

func TestPutCachedScoreReplacesPriorRow(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertPeer(Peer{PeerID: "peerA", RecommenderQuality: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	now := time.Now().UTC()
	if err := s.PutCachedScore("peerA", "ethereum", "0xA", scoring.TrustScore{ExpectedPVROI: 1.0, TotalVolume: 1, DataPoints: 1}, now); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutCachedScore("peerA", "ethereum", "0xA", scoring.TrustScore{ExpectedPVROI: 1.5, TotalVolume: 20, DataPoints: 3}, now.Add(time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}

	rows, err := s.GetCachedScores("ethereum", "0xA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rows) != 1 || rows[0].Score.Score.ExpectedPVROI != 1.5 || rows[0].Score.Score.DataPoints != 3 {
		t.Fatalf("expected replaced row, got %+v", rows)
	}
}
