package identity

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreatePersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.PeerID.String() == "" {
		t.Fatal("expected non-empty peer id")
	}

	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if first.PeerID != second.PeerID {
		t.Fatalf("peer id changed across reload: %v != %v", first.PeerID, second.PeerID)
	}
}
