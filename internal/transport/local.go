package transport

import (
	"context"
	"sync"
	"time"

	"github.com/claude-module/raftcore/internal/raft"
)

// LocalTransport is an in-memory raft.Network for tests: it dispatches
// directly into registered nodes' Handle* methods, with optional injected
// latency and partition simulation.
type LocalTransport struct {
	mu       sync.RWMutex
	nodes    map[raft.NodeID]*raft.Node
	disabled map[raft.NodeID]map[raft.NodeID]bool
	latency  time.Duration
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:    make(map[raft.NodeID]*raft.Node),
		disabled: make(map[raft.NodeID]map[raft.NodeID]bool),
	}
}

// Register attaches a node under id so other nodes' RPCs can reach it.
func (t *LocalTransport) Register(id raft.NodeID, node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[raft.NodeID]bool)
	}
}

// SetLatency adds an artificial delay before every RPC delivery.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect drops delivery in the from->to direction only.
func (t *LocalTransport) Disconnect(from, to raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[raft.NodeID]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores the from->to direction.
func (t *LocalTransport) Connect(from, to raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates id from every other registered node, in both
// directions.
func (t *LocalTransport) Partition(id raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for other := range t.nodes {
		if other == id {
			continue
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[raft.NodeID]bool)
		}
		if t.disabled[other] == nil {
			t.disabled[other] = make(map[raft.NodeID]bool)
		}
		t.disabled[id][other] = true
		t.disabled[other][id] = true
	}
}

// Heal restores every connection touching id.
func (t *LocalTransport) Heal(id raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[raft.NodeID]bool)
	for other := range t.nodes {
		if t.disabled[other] != nil {
			delete(t.disabled[other], id)
		}
	}
}

// HealAll clears every partition.
func (t *LocalTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[raft.NodeID]map[raft.NodeID]bool)
}

func (t *LocalTransport) isConnected(from, to raft.NodeID) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *LocalTransport) deliver(from, to raft.NodeID) (*raft.Node, error) {
	t.mu.RLock()
	node, ok := t.nodes[to]
	connected := t.isConnected(from, to)
	latency := t.latency
	t.mu.RUnlock()

	if !ok || !connected {
		return nil, raft.ErrNodeNotFound
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return node, nil
}

// RequestVote implements raft.Network.
func (t *LocalTransport) RequestVote(ctx context.Context, peer raft.NodeID, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	node, err := t.deliver(req.CandidateID, peer)
	if err != nil {
		return nil, err
	}
	return node.HandleRequestVote(req), nil
}

// AppendEntries implements raft.Network.
func (t *LocalTransport) AppendEntries(ctx context.Context, peer raft.NodeID, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	node, err := t.deliver(req.LeaderID, peer)
	if err != nil {
		return nil, err
	}
	return node.HandleAppendEntries(req), nil
}

// InstallSnapshot implements raft.Network.
func (t *LocalTransport) InstallSnapshot(ctx context.Context, peer raft.NodeID, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	node, err := t.deliver(req.LeaderID, peer)
	if err != nil {
		return nil, err
	}
	return node.HandleInstallSnapshot(req)
}
