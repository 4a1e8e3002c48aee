// Package cluster is the externally-facing membership view: a read-mostly
// mirror of a raft.Node's current raft.Membership, kept for status
// reporting and for validating a ChangeMembership call before it is sent
// to the leader. The authoritative configuration, including joint
// consensus, lives in raft.Membership; this package never drives quorum
// math itself.
package cluster

import (
	"fmt"
	"sync"

	"github.com/claude-module/raftcore/internal/raft"
)

// MemberState is this package's own observability state, distinct from
// raft.Membership's two voter sets: Joining/Leaving mark a member only
// present in one side of an in-progress joint-consensus transition.
type MemberState int

const (
	MemberStateActive MemberState = iota
	MemberStateJoining
	MemberStateLeaving
	MemberStateRemoved
)

func (s MemberState) String() string {
	switch s {
	case MemberStateActive:
		return "active"
	case MemberStateJoining:
		return "joining"
	case MemberStateLeaving:
		return "leaving"
	case MemberStateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Member is one cluster node as reported to operators/clients.
type Member struct {
	ID      raft.NodeID
	Address string
	Voting  bool
	State   MemberState
}

// Manager holds the latest raft.Membership synced from a Node, annotated
// with per-member MemberState.
type Manager struct {
	mu      sync.RWMutex
	members map[raft.NodeID]*Member
	joint   bool
	version uint64
}

func NewManager() *Manager {
	return &Manager{members: make(map[raft.NodeID]*Member)}
}

// Sync replaces the manager's view wholesale from the authoritative
// raft.Membership. Call it after every observed membership change (a
// committed or newly-appended EntryConfigChange, or a snapshot install).
func (m *Manager) Sync(membership raft.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[raft.NodeID]*Member, len(membership.Members)+len(membership.MembersAfterConsensus))

	for id, cm := range membership.Members {
		state := MemberStateActive
		if membership.IsJoint() {
			if _, stillNew := membership.MembersAfterConsensus[id]; !stillNew {
				state = MemberStateLeaving
			}
		}
		next[id] = &Member{ID: id, Address: cm.Address, Voting: cm.Voting, State: state}
	}
	for id, cm := range membership.MembersAfterConsensus {
		if _, already := membership.Members[id]; already {
			continue
		}
		next[id] = &Member{ID: id, Address: cm.Address, Voting: cm.Voting, State: MemberStateJoining}
	}

	m.members = next
	m.joint = membership.IsJoint()
	m.version++
}

// GetMember returns a copy of one member's record.
func (m *Manager) GetMember(id raft.NodeID) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	if !ok {
		return Member{}, false
	}
	return *mem, true
}

// GetMembers returns a copy of every tracked member.
func (m *Manager) GetMembers() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		result = append(result, *mem)
	}
	return result
}

// GetVotingMembers returns every member currently counted toward quorum in
// either side of a joint configuration.
func (m *Manager) GetVotingMembers() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		if mem.Voting && mem.State != MemberStateRemoved {
			result = append(result, *mem)
		}
	}
	return result
}

// Count returns the total number of tracked members.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// IsJoint reports whether the last synced configuration was in joint
// consensus.
func (m *Manager) IsJoint() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.joint
}

// Version returns a monotonically increasing counter bumped on every Sync,
// for clients polling for configuration changes.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// ValidateAddVoter returns an error if id cannot be proposed as a new
// member of the voter set (already present), before the caller pays for a
// round trip to the leader.
func (m *Manager) ValidateAddVoter(id raft.NodeID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mem, ok := m.members[id]; ok && mem.State != MemberStateRemoved {
		return fmt.Errorf("member %s already part of the cluster", id)
	}
	return nil
}

// Snapshot returns a deep copy of the current member set, suitable for
// marshaling into an admin-facing status response.
func (m *Manager) Snapshot() map[raft.NodeID]Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[raft.NodeID]Member, len(m.members))
	for id, mem := range m.members {
		result[id] = *mem
	}
	return result
}
