package cluster

import (
	"testing"

	"github.com/claude-module/raftcore/internal/raft"
)

func uniformMembership() raft.Membership {
	return raft.Membership{
		Members: map[raft.NodeID]raft.ClusterMember{
			1: {NodeID: 1, Address: "n1:8001", Voting: true},
			2: {NodeID: 2, Address: "n2:8001", Voting: true},
			3: {NodeID: 3, Address: "n3:8001", Voting: true},
		},
	}
}

func TestSyncUniformConfiguration(t *testing.T) {
	m := NewManager()
	m.Sync(uniformMembership())

	if m.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", m.Count())
	}
	if m.IsJoint() {
		t.Errorf("IsJoint() = true for a uniform configuration")
	}
	mem, ok := m.GetMember(1)
	if !ok || mem.State != MemberStateActive {
		t.Errorf("GetMember(1) = %+v, %v, want state active", mem, ok)
	}
}

func TestSyncJointConfigurationMarksJoiningAndLeaving(t *testing.T) {
	m := NewManager()
	m.Sync(uniformMembership())

	joint := raft.Membership{
		Members: map[raft.NodeID]raft.ClusterMember{
			1: {NodeID: 1, Address: "n1:8001", Voting: true},
			2: {NodeID: 2, Address: "n2:8001", Voting: true},
			3: {NodeID: 3, Address: "n3:8001", Voting: true},
		},
		MembersAfterConsensus: map[raft.NodeID]raft.ClusterMember{
			1: {NodeID: 1, Address: "n1:8001", Voting: true},
			2: {NodeID: 2, Address: "n2:8001", Voting: true},
			4: {NodeID: 4, Address: "n4:8001", Voting: true},
		},
	}
	m.Sync(joint)

	if !m.IsJoint() {
		t.Fatalf("IsJoint() = false for a joint configuration")
	}
	if mem, ok := m.GetMember(3); !ok || mem.State != MemberStateLeaving {
		t.Errorf("GetMember(3) = %+v, %v, want state leaving", mem, ok)
	}
	if mem, ok := m.GetMember(4); !ok || mem.State != MemberStateJoining {
		t.Errorf("GetMember(4) = %+v, %v, want state joining", mem, ok)
	}
	if mem, ok := m.GetMember(1); !ok || mem.State != MemberStateActive {
		t.Errorf("GetMember(1) = %+v, %v, want state active (present in both sides)", mem, ok)
	}
}

func TestValidateAddVoterRejectsExistingMember(t *testing.T) {
	m := NewManager()
	m.Sync(uniformMembership())

	if err := m.ValidateAddVoter(2); err == nil {
		t.Errorf("ValidateAddVoter(2) = nil, want error for an existing member")
	}
	if err := m.ValidateAddVoter(99); err != nil {
		t.Errorf("ValidateAddVoter(99) = %v, want nil for a brand new id", err)
	}
}

func TestVersionIncreasesOnEverySync(t *testing.T) {
	m := NewManager()
	m.Sync(uniformMembership())
	first := m.Version()
	m.Sync(uniformMembership())
	if m.Version() <= first {
		t.Errorf("Version() did not increase across a second Sync call")
	}
}
