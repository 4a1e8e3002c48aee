package raft

// PerNodeReplication is the leader's bookkeeping for one voter peer.
type PerNodeReplication struct {
	MatchIndex uint64
	MatchTerm  uint64

	ReplStream *ReplicationHandle
}

// PerNonVoter is a PerNodeReplication plus the catch-up bookkeeping needed
// before the node can be promoted to voter.
type PerNonVoter struct {
	PerNodeReplication

	IsReadyToJoin bool

	// Tx is the completion channel for the API caller that added this
	// non-voter; consumed (set to nil after sending) at most once, the
	// first time the peer reaches line rate.
	Tx chan<- error
}

// fire sends on Tx exactly once and clears it, enforcing the at-most-once
// invariant by construction: once nil, subsequent calls are no-ops.
func (nv *PerNonVoter) fire(err error) {
	if nv.Tx == nil {
		return
	}
	select {
	case nv.Tx <- err:
	default:
	}
	nv.Tx = nil
}

// ConsensusStateKind tags the ConsensusState sum type.
type ConsensusStateKind int

const (
	// Uniform: no membership change in flight.
	Uniform ConsensusStateKind = iota
	// NonVoterSync: a membership change was requested but is waiting for
	// the listed non-voters to reach line rate.
	NonVoterSync
	// Joint is not tracked here as a distinct state: it is implicit in
	// Membership.MembersAfterConsensus being non-nil once the dispatcher
	// has appended the joint-consensus log entry. Quorum calculation reads
	// Membership directly, not ConsensusState.
)

// ConsensusState tracks whether a membership change is gated on non-voter
// catch-up. Every transition must explicitly match every kind; an "other"
// fallback restores the prior value unchanged (see handleRateUpdate).
type ConsensusState struct {
	Kind ConsensusStateKind

	// NonVoterSync fields.
	Awaiting map[NodeID]struct{}
	Members  map[NodeID]ClusterMember
	Tx       chan<- error
}

func UniformState() ConsensusState {
	return ConsensusState{Kind: Uniform}
}

// SnapshotState tracks the at-most-one-build-in-progress invariant.
type SnapshotState struct {
	Snapshotting bool
	// Done is closed exactly once, when the in-flight build finishes
	// (successfully or not); subscribers read from it to know when to
	// retry rather than receiving the snapshot directly.
	Done chan struct{}
}

// ReplicationMetrics is the ambient per-peer observability record the
// dispatcher keeps up to date; it is not consulted by any correctness-
// relevant decision.
type ReplicationMetrics struct {
	Matched LogID
}

// LeaderMetrics aggregates per-peer ReplicationMetrics for reporting.
type LeaderMetrics struct {
	Replication map[NodeID]ReplicationMetrics
}

func NewLeaderMetrics() *LeaderMetrics {
	return &LeaderMetrics{Replication: make(map[NodeID]ReplicationMetrics)}
}
