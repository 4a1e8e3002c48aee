package transport

import (
	"context"
	"testing"
	"time"

	"github.com/claude-module/raftcore/internal/kv"
	"github.com/claude-module/raftcore/internal/raft"
	"github.com/claude-module/raftcore/internal/storage"
)

func newTestNode(t *testing.T, id raft.NodeID, net *LocalTransport) *raft.Node {
	t.Helper()
	sm := kv.New()
	st, err := storage.New(t.TempDir(), sm)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	cfg := raft.DefaultConfig(id)
	cfg.ElectionTimeout = 20 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Millisecond
	membership := raft.Membership{Members: map[raft.NodeID]raft.ClusterMember{
		1: {NodeID: 1, Voting: true},
		2: {NodeID: 2, Voting: true},
		3: {NodeID: 3, Voting: true},
	}}
	node := raft.NewNode(cfg, st, net, membership, nil)
	net.Register(id, node)
	return node
}

func TestLocalTransportElectsALeader(t *testing.T) {
	net := NewLocalTransport()
	nodes := []*raft.Node{
		newTestNode(t, 1, net),
		newTestNode(t, 2, net),
		newTestNode(t, 3, net),
	}
	for _, n := range nodes {
		n.Start()
		defer n.Stop()
	}

	deadline := time.After(2 * time.Second)
	for {
		leaders := 0
		for _, n := range nodes {
			if n.IsLeader() {
				leaders++
			}
		}
		if leaders == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("no single leader elected within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDisconnectPreventsVoteDelivery(t *testing.T) {
	net := NewLocalTransport()
	n1 := newTestNode(t, 1, net)
	_ = newTestNode(t, 2, net)

	net.Disconnect(1, 2)

	req := &raft.RequestVoteRequest{Term: 1, CandidateID: 1, LastLogIndex: 0, LastLogTerm: 0}
	_, err := net.RequestVote(context.Background(), 2, req)
	if err != raft.ErrNodeNotFound {
		t.Errorf("RequestVote across a disconnected link = %v, want ErrNodeNotFound", err)
	}

	net.Connect(1, 2)
	if _, err := net.RequestVote(context.Background(), 2, req); err != nil {
		t.Errorf("RequestVote after Connect = %v, want nil", err)
	}
	_ = n1
}
