package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/claude-module/raftcore/internal/raft"
)

// nodeServer adapts a *raft.Node to the RaftServer contract. It holds back
// a reference to the owning transport rather than the node directly so the
// node can be attached after the listener is already serving (matching the
// teacher's two-phase Start/SetNode wiring).
type nodeServer struct {
	transport *GRPCTransport
}

func (s *nodeServer) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	node := s.transport.getNode()
	if node == nil {
		return nil, fmt.Errorf("transport: node not attached")
	}
	return node.HandleRequestVote(req), nil
}

func (s *nodeServer) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	node := s.transport.getNode()
	if node == nil {
		return nil, fmt.Errorf("transport: node not attached")
	}
	return node.HandleAppendEntries(req), nil
}

func (s *nodeServer) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	node := s.transport.getNode()
	if node == nil {
		return nil, fmt.Errorf("transport: node not attached")
	}
	return node.HandleInstallSnapshot(req)
}

// GRPCTransport implements raft.Network over gRPC, dial-caching one
// *grpc.ClientConn per peer.
type GRPCTransport struct {
	mu sync.RWMutex

	localAddr string
	peerAddrs map[raft.NodeID]string
	node      *raft.Node

	server   *grpc.Server
	listener net.Listener
	conns    map[raft.NodeID]*grpc.ClientConn

	dialTimeout time.Duration
}

func NewGRPCTransport(localAddr string, peerAddrs map[raft.NodeID]string) *GRPCTransport {
	return &GRPCTransport{
		localAddr:   localAddr,
		peerAddrs:   peerAddrs,
		conns:       make(map[raft.NodeID]*grpc.ClientConn),
		dialTimeout: 2 * time.Second,
	}
}

// SetNode attaches the node this transport serves RPCs against. Safe to
// call before or after Start.
func (t *GRPCTransport) SetNode(node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.node = node
}

func (t *GRPCTransport) getNode() *raft.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.node
}

// Start opens the listener and begins serving RPCs in a background
// goroutine.
func (t *GRPCTransport) Start() error {
	listener, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.localAddr, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.server = grpc.NewServer()
	t.server.RegisterService(&raftServiceDesc, &nodeServer{transport: t})
	server := t.server
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil {
			fmt.Printf("transport: serve error on %s: %v\n", t.localAddr, err)
		}
	}()
	return nil
}

// Stop closes all outbound connections and shuts the server down.
func (t *GRPCTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, conn := range t.conns {
		conn.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.listener != nil {
		t.listener.Close()
	}
}

func (t *GRPCTransport) getConn(peer raft.NodeID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.conns[peer]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[peer]; ok {
		return conn, nil
	}

	addr, ok := t.peerAddrs[peer]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %s", peer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.conns[peer] = conn
	return conn, nil
}

// RequestVote implements raft.Network.
func (t *GRPCTransport) RequestVote(ctx context.Context, peer raft.NodeID, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	conn, err := t.getConn(peer)
	if err != nil {
		return nil, err
	}
	resp := new(raft.RequestVoteResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AppendEntries implements raft.Network.
func (t *GRPCTransport) AppendEntries(ctx context.Context, peer raft.NodeID, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	conn, err := t.getConn(peer)
	if err != nil {
		return nil, err
	}
	resp := new(raft.AppendEntriesResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InstallSnapshot implements raft.Network.
func (t *GRPCTransport) InstallSnapshot(ctx context.Context, peer raft.NodeID, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	conn, err := t.getConn(peer)
	if err != nil {
		return nil, err
	}
	resp := new(raft.InstallSnapshotResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/InstallSnapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
