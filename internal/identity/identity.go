// Package identity manages the node's long-lived keypair (§3 NodeIdentity,
// §4.3). The public half, deterministically derived, is the peer_id other
// nodes dial and is how two peers recognize each other during the libp2p
// handshake.
package identity

import (
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/trustmesh/node/internal/kinderr"
)

// Identity is a node's persisted keypair plus its derived peer id.
type Identity struct {
	PrivateKey crypto.PrivKey
	PublicKey  crypto.PubKey
	PeerID     peer.ID
}

// LoadOrCreate loads the keypair at path, or generates and persists a new
// ed25519 keypair if none exists yet (§3: "Created on first boot, loaded
// thereafter").
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, kinderr.Wrap(kinderr.Storage, "corrupt identity keypair", err)
		}
		return fromPrivateKey(priv)
	}
	if !os.IsNotExist(err) {
		return nil, kinderr.Wrap(kinderr.Storage, "read identity keypair", err)
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "generate identity keypair", err)
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "marshal identity keypair", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "persist identity keypair", err)
	}
	return fromPrivateKey(priv)
}

func fromPrivateKey(priv crypto.PrivKey) (*Identity, error) {
	pub := priv.GetPublic()
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Storage, "derive peer id", err)
	}
	return &Identity{PrivateKey: priv, PublicKey: pub, PeerID: id}, nil
}
