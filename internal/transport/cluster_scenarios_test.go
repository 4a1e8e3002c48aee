package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/claude-module/raftcore/internal/kv"
	"github.com/claude-module/raftcore/internal/raft"
	"github.com/claude-module/raftcore/internal/storage"
)

// scenarioNode bundles a running raft.Node with the collaborators a test
// needs direct access to (its state machine, to check applied results; its
// storage, to force a snapshot).
type scenarioNode struct {
	id      raft.NodeID
	node    *raft.Node
	store   *kv.Store
	storage *storage.WAL
}

func uniformMembership(ids ...raft.NodeID) raft.Membership {
	members := make(map[raft.NodeID]raft.ClusterMember, len(ids))
	for _, id := range ids {
		members[id] = raft.ClusterMember{NodeID: id, Voting: true}
	}
	return raft.Membership{Members: members}
}

func newScenarioNode(t *testing.T, net *LocalTransport, id raft.NodeID, membership raft.Membership) *scenarioNode {
	t.Helper()
	sm := kv.New()
	st, err := storage.New(t.TempDir(), sm)
	if err != nil {
		t.Fatalf("storage.New(%d): %v", id, err)
	}
	cfg := raft.DefaultConfig(id)
	cfg.ElectionTimeout = 30 * time.Millisecond
	cfg.HeartbeatInterval = 8 * time.Millisecond
	n := raft.NewNode(cfg, st, net, membership, nil)
	net.Register(id, n)
	return &scenarioNode{id: id, node: n, store: sm, storage: st}
}

func startAll(nodes []*scenarioNode) {
	for _, n := range nodes {
		n.node.Start()
	}
}

func stopAll(nodes []*scenarioNode) {
	for _, n := range nodes {
		n.node.Stop()
	}
}

func waitForLeader(t *testing.T, nodes []*scenarioNode, timeout time.Duration) *scenarioNode {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, n := range nodes {
			if n.node.IsLeader() {
				return n
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no leader elected among %d nodes within %v", len(nodes), timeout)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition not met within %v", timeout)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func proposeSet(t *testing.T, n *scenarioNode, key, value string) {
	t.Helper()
	payload, err := kv.EncodeCommand(kv.CommandSet, key, []byte(value), uuid.New(), 1)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := n.node.Propose(ctx, payload); err != nil {
		t.Fatalf("Propose(%s): %v", key, err)
	}
}

// TestCommitAdvancesAcrossRealCluster drives a proposal through a real
// 3-node cluster and checks every node's own state machine eventually
// reflects it, exercising the leader dispatcher's commit-advancement path
// and the follower-side apply-on-commit path together.
func TestCommitAdvancesAcrossRealCluster(t *testing.T) {
	net := NewLocalTransport()
	membership := uniformMembership(1, 2, 3)
	nodes := []*scenarioNode{
		newScenarioNode(t, net, 1, membership),
		newScenarioNode(t, net, 2, membership),
		newScenarioNode(t, net, 3, membership),
	}
	startAll(nodes)
	defer stopAll(nodes)

	leader := waitForLeader(t, nodes, 2*time.Second)
	proposeSet(t, leader, "foo", "bar")

	for _, n := range nodes {
		n := n
		waitFor(t, 2*time.Second, func() bool {
			v, ok := n.store.Get("foo")
			return ok && string(v) == "bar"
		})
	}
}

// TestJointConsensusMembershipChangeAddsVoter drives ChangeMembership through
// a real leader, adding a brand-new node as a voter, and checks the joint
// configuration collapses back to a uniform one on every node.
func TestJointConsensusMembershipChangeAddsVoter(t *testing.T) {
	net := NewLocalTransport()
	membership := uniformMembership(1, 2, 3)

	voters := []*scenarioNode{
		newScenarioNode(t, net, 1, membership),
		newScenarioNode(t, net, 2, membership),
		newScenarioNode(t, net, 3, membership),
	}
	// n4 is deliberately never Start()ed: it has no election timer of its
	// own yet (it isn't a cluster member), but it is registered with net so
	// it can still answer the AppendEntries/InstallSnapshot RPCs the real
	// leader's catch-up worker sends it once ChangeMembership begins.
	n4 := newScenarioNode(t, net, 4, raft.Membership{})

	startAll(voters)
	defer stopAll(voters)

	leader := waitForLeader(t, voters, 2*time.Second)

	newMembers := map[raft.NodeID]raft.ClusterMember{
		1: {NodeID: 1, Voting: true},
		2: {NodeID: 2, Voting: true},
		3: {NodeID: 3, Voting: true},
		4: {NodeID: 4, Voting: true},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := leader.node.ChangeMembership(ctx, newMembers); err != nil {
		t.Fatalf("ChangeMembership: %v", err)
	}

	for _, n := range append(append([]*scenarioNode{}, voters...), n4) {
		n := n
		waitFor(t, 2*time.Second, func() bool {
			m := n.node.Membership()
			return !m.IsJoint() && len(m.Members) == 4
		})
	}
}

// TestNonVoterCatchUpGatesJointConsensus checks that a membership change
// does not enter joint consensus while the new member is still catching up
// (spec scenario: non-voter catch-up gating), and that it does complete
// once the new member reaches line rate.
func TestNonVoterCatchUpGatesJointConsensus(t *testing.T) {
	net := NewLocalTransport()
	membership := uniformMembership(1, 2, 3)

	voters := []*scenarioNode{
		newScenarioNode(t, net, 1, membership),
		newScenarioNode(t, net, 2, membership),
		newScenarioNode(t, net, 3, membership),
	}
	n4 := newScenarioNode(t, net, 4, raft.Membership{})

	startAll(voters)
	defer stopAll(voters)

	leader := waitForLeader(t, voters, 2*time.Second)

	for i := 0; i < 10; i++ {
		proposeSet(t, leader, fmt.Sprintf("k%d", i), "v")
	}

	// Slow every RPC so the window between "change requested" and "new
	// member caught up" is wide enough to observe.
	net.SetLatency(15 * time.Millisecond)

	newMembers := map[raft.NodeID]raft.ClusterMember{
		1: {NodeID: 1, Voting: true},
		2: {NodeID: 2, Voting: true},
		3: {NodeID: 3, Voting: true},
		4: {NodeID: 4, Voting: true},
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- leader.node.ChangeMembership(ctx, newMembers)
	}()

	time.Sleep(20 * time.Millisecond)
	if m := leader.node.Membership(); m.IsJoint() || len(m.Members) != 3 {
		t.Fatalf("membership entered joint consensus before n4 caught up: %+v", m)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ChangeMembership: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ChangeMembership never completed")
	}

	net.SetLatency(0)

	waitFor(t, 2*time.Second, func() bool {
		m := leader.node.Membership()
		return !m.IsJoint() && len(m.Members) == 4
	})
	waitFor(t, 2*time.Second, func() bool {
		m := n4.node.Membership()
		return !m.IsJoint() && len(m.Members) == 4
	})
}

// TestSnapshotInstallCatchesUpDisconnectedFollower partitions a follower
// long enough that the leader compacts past entries it never received, then
// heals the partition and checks it catches up via InstallSnapshot rather
// than AppendEntries.
func TestSnapshotInstallCatchesUpDisconnectedFollower(t *testing.T) {
	net := NewLocalTransport()
	membership := uniformMembership(1, 2, 3)
	n1 := newScenarioNode(t, net, 1, membership)
	n2 := newScenarioNode(t, net, 2, membership)
	n3 := newScenarioNode(t, net, 3, membership)
	nodes := []*scenarioNode{n1, n2, n3}
	startAll(nodes)
	defer stopAll(nodes)

	leader := waitForLeader(t, nodes, 2*time.Second)

	var follower *scenarioNode
	for _, n := range nodes {
		if n.id != leader.id {
			follower = n
			break
		}
	}
	net.Partition(follower.id)

	for i := 0; i < 5; i++ {
		proposeSet(t, leader, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	if _, err := leader.storage.DoLogCompaction(); err != nil {
		t.Fatalf("DoLogCompaction: %v", err)
	}

	net.Heal(follower.id)

	waitFor(t, 3*time.Second, func() bool {
		v, ok := follower.store.Get("k4")
		return ok && string(v) == "v4"
	})

	for i := 0; i < 5; i++ {
		key, want := fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)
		got, ok := follower.store.Get(key)
		if !ok || string(got) != want {
			t.Errorf("follower missing %s after snapshot catch-up: got %q, ok=%v", key, got, ok)
		}
	}
}

// TestLeaderStepsDownOnHigherTerm partitions the current leader away from a
// majority, lets the majority elect a new leader, then heals the partition
// and checks the old leader's replication workers observe the higher term
// and force it back to Follower.
func TestLeaderStepsDownOnHigherTerm(t *testing.T) {
	net := NewLocalTransport()
	membership := uniformMembership(1, 2, 3)
	nodes := []*scenarioNode{
		newScenarioNode(t, net, 1, membership),
		newScenarioNode(t, net, 2, membership),
		newScenarioNode(t, net, 3, membership),
	}
	startAll(nodes)
	defer stopAll(nodes)

	oldLeader := waitForLeader(t, nodes, 2*time.Second)
	net.Partition(oldLeader.id)

	var rest []*scenarioNode
	for _, n := range nodes {
		if n.id != oldLeader.id {
			rest = append(rest, n)
		}
	}
	newLeader := waitForLeader(t, rest, 2*time.Second)
	if newLeader.id == oldLeader.id {
		t.Fatalf("expected a different node to take over while partitioned")
	}

	net.Heal(oldLeader.id)

	waitFor(t, 2*time.Second, func() bool {
		return !oldLeader.node.IsLeader()
	})

	waitFor(t, 2*time.Second, func() bool {
		leaders := 0
		for _, n := range nodes {
			if n.node.IsLeader() {
				leaders++
			}
		}
		return leaders == 1
	})
}
