package raft

// RaftEvent is sent from the leader dispatcher down to one replication
// worker's inbound control channel.
type RaftEvent interface{ isRaftEvent() }

// UpdateCommitIndexEvent tells a worker the new commit index so it can relay
// LeaderCommit on its next AppendEntries.
type UpdateCommitIndexEvent struct {
	CommitIndex uint64
}

// TerminateEvent asks a worker to drain in-flight work and exit.
type TerminateEvent struct{}

func (UpdateCommitIndexEvent) isRaftEvent() {}
func (TerminateEvent) isRaftEvent()         {}

// ReplicaEvent is sent from a replication worker up to the leader's single
// event-dispatcher channel. Events from one worker are observed in emission
// order; events from different workers may interleave arbitrarily.
type ReplicaEvent interface{ isReplicaEvent() }

// RateUpdateEvent reports a line-rate/lagging transition for target.
type RateUpdateEvent struct {
	Target    NodeID
	IsLineRate bool
}

// RevertToFollowerEvent reports a higher term observed in an RPC reply.
type RevertToFollowerEvent struct {
	Target NodeID
	Term   uint64
}

// UpdateMatchIndexEvent reports a new confirmed-replicated position.
type UpdateMatchIndexEvent struct {
	Target     NodeID
	MatchIndex uint64
	MatchTerm  uint64
}

// NeedsSnapshotEvent asks the leader for a snapshot to stream to target.
// Tx is a one-shot, buffer-1 channel; the leader sends at most one value (or
// closes it without a value to signal "retry later").
type NeedsSnapshotEvent struct {
	Target NodeID
	Tx     chan *SnapshotHandle
}

// ShutdownEvent reports a fatal error in the worker. The leader fails every
// pending request with ErrShuttingDown and steps down to Follower at its
// current term; it does not move the node into the Shutdown role.
type ShutdownEvent struct {
	Target NodeID
	Err    error
}

func (RateUpdateEvent) isReplicaEvent()        {}
func (RevertToFollowerEvent) isReplicaEvent()  {}
func (UpdateMatchIndexEvent) isReplicaEvent()  {}
func (NeedsSnapshotEvent) isReplicaEvent()     {}
func (ShutdownEvent) isReplicaEvent()          {}
