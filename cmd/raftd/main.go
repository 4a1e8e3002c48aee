// Command raftd runs a single node of a raftcore cluster: a gRPC Raft peer
// plus a JSON-over-HTTP key-value API in front of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/claude-module/raftcore/internal/api"
	"github.com/claude-module/raftcore/internal/cluster"
	"github.com/claude-module/raftcore/internal/kv"
	"github.com/claude-module/raftcore/internal/raft"
	"github.com/claude-module/raftcore/internal/storage"
	"github.com/claude-module/raftcore/internal/transport"
)

func main() {
	nodeID := flag.Uint64("id", 0, "Node ID")
	addr := flag.String("addr", "", "gRPC listen address (e.g., localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "Comma-separated list of peer addresses (id1=addr1,id2=addr2)")
	walDir := flag.String("wal", "", "WAL directory path")
	flag.Parse()

	if *nodeID == 0 || *addr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	selfID := raft.NodeID(*nodeID)
	peerAddrs, members, err := parsePeers(*peers, selfID, *addr)
	if err != nil {
		log.Fatalf("invalid -peers: %v", err)
	}

	walPath := *walDir
	if walPath == "" {
		walPath = fmt.Sprintf("/tmp/raftcore-wal-%d", selfID)
	}

	log.Printf("starting raft node %d", selfID)
	log.Printf("grpc address: %s", *addr)
	log.Printf("http address: %s", *httpAddr)
	log.Printf("wal path: %s", walPath)

	store := kv.New()

	walInstance, err := storage.New(walPath, store)
	if err != nil {
		log.Fatalf("failed to open wal: %v", err)
	}

	gt := transport.NewGRPCTransport(*addr, peerAddrs)
	if err := gt.Start(); err != nil {
		log.Fatalf("failed to start transport: %v", err)
	}

	cfg := raft.DefaultConfig(selfID)
	for id, a := range peerAddrs {
		if id != selfID {
			cfg.Peers[id] = a
		}
	}
	cfg.WALDir = walPath

	membership := raft.Membership{Members: members}
	nodeLogger := log.New(os.Stderr, fmt.Sprintf("[node %d] ", selfID), log.LstdFlags)
	node := raft.NewNode(cfg, walInstance, gt, membership, nodeLogger)
	gt.SetNode(node)
	node.Start()

	memberView := cluster.NewManager()
	memberView.Sync(membership)

	apiServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHTTPHandler(node, store, memberView, *addr),
	}

	go func() {
		log.Printf("http api listening on %s", *httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	apiServer.Shutdown(ctx)
	node.Stop()
	gt.Stop()
	walInstance.Close()

	log.Println("shutdown complete")
}

// parsePeers turns "id1=addr1,id2=addr2" into a peer-address map and an
// initial uniform membership set, folding in the local node itself.
func parsePeers(raw string, selfID raft.NodeID, selfAddr string) (map[raft.NodeID]string, map[raft.NodeID]raft.ClusterMember, error) {
	addrs := map[raft.NodeID]string{selfID: selfAddr}
	members := map[raft.NodeID]raft.ClusterMember{selfID: {NodeID: selfID, Voting: true}}

	if raw == "" {
		return addrs, members, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("malformed peer entry %q", entry)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed peer id %q: %w", parts[0], err)
		}
		nid := raft.NodeID(id)
		addrs[nid] = parts[1]
		members[nid] = raft.ClusterMember{NodeID: nid, Voting: true}
	}
	return addrs, members, nil
}
