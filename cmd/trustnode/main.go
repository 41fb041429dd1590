// cmd/trustnode is the main entrypoint for a trust node.
//
// Configuration is entirely via flags so a single binary can run as any
// user's node.
//
// Example — two nodes, bob declaring and dialing alice at startup:
//
//	./trustnode --user alice --api-port 8080 --p2p-port 4001 --data-dir /var/trustmesh
//	./trustnode --user bob   --api-port 8081 --p2p-port 4002 --data-dir /var/trustmesh \
//	            --bootstrap-peers /ip4/127.0.0.1/tcp/4001/p2p/<alice-peer-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/trustmesh/node/internal/api"
	"github.com/trustmesh/node/internal/engine"
	"github.com/trustmesh/node/internal/identity"
	"github.com/trustmesh/node/internal/registry"
	"github.com/trustmesh/node/internal/storage"
	"github.com/trustmesh/node/internal/transport"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	user := flag.String("user", "", "Node owner's name; also the state directory name (required)")
	apiPort := flag.Int("api-port", 8080, "Local HTTP API listen port")
	p2pPort := flag.Int("p2p-port", 4001, "libp2p listen port")
	dataDir := flag.String("data-dir", "/tmp/trustmesh", "Root directory for per-user state")
	bootstrapPeers := flag.String("bootstrap-peers", "", "Comma-separated multiaddrs (with /p2p/<peer-id>) to declare and dial at startup")
	peerTimeout := flag.Duration("peer-timeout", engine.DefaultPeerTimeout, "Per-peer timeout for a trust-query fan-out call")
	flag.Parse()

	if *user == "" {
		log.Fatal("FATAL: --user is required")
	}

	// ── Persisted state ────────────────────────────────────────────────────
	userDir := filepath.Join(*dataDir, *user)
	if err := os.MkdirAll(userDir, 0o700); err != nil {
		log.Fatalf("FATAL: create data directory: %v", err)
	}

	id, err := identity.LoadOrCreate(filepath.Join(userDir, "identity.key"))
	if err != nil {
		log.Fatalf("FATAL: load identity: %v", err)
	}

	store, err := storage.Open(filepath.Join(userDir, "trustmesh.db"))
	if err != nil {
		log.Fatalf("FATAL: open storage: %v", err)
	}
	defer store.Close()

	// ── Transport & engine ─────────────────────────────────────────────────
	tr, err := transport.New(id, fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", *p2pPort))
	if err != nil {
		log.Fatalf("FATAL: start p2p transport: %v", err)
	}
	defer tr.Close()

	reg := registry.New(store, tr)
	eng := engine.New(store, reg, tr, *peerTimeout)
	tr.SetQueryHandler(eng.HandleRemote)

	if *bootstrapPeers != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, addr := range strings.Split(*bootstrapPeers, ",") {
			info, err := peer.AddrInfoFromString(strings.TrimSpace(addr))
			if err != nil {
				log.Printf("bootstrap peer %q: %v", addr, err)
				continue
			}
			if len(info.Addrs) == 0 {
				log.Printf("bootstrap peer %q: no address to dial", addr)
				continue
			}
			if _, err := reg.AddPeer(ctx, storage.Peer{
				PeerID:             info.ID.String(),
				Multiaddr:          info.Addrs[0].String(),
				RecommenderQuality: 1.0,
			}); err != nil {
				log.Printf("bootstrap peer %q: declare: %v", addr, err)
			}
		}
		cancel()
	}
	reg.DialDeclaredPeers(context.Background())

	// ── HTTP server ────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())

	handler := api.NewHandler(store, reg, eng, tr)
	handler.Register(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *apiPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second, // a trust query may fan out several hops deep
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	go func() {
		log.Printf("trustnode %s: peer_id=%s api=:%d p2p=:%d", *user, tr.PeerID(), *apiPort, *p2pPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down node %s", *user)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
