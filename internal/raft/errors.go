package raft

import "errors"

var (
	ErrNotLeader       = errors.New("not the leader")
	ErrTimeout         = errors.New("operation timed out")
	ErrNodeNotFound    = errors.New("node not found")
	ErrLogCompacted    = errors.New("log has been compacted")
	ErrSnapshotFailed  = errors.New("snapshot operation failed")
	ErrLeadershipLost  = errors.New("leadership lost before request committed")
	ErrShuttingDown    = errors.New("node is shutting down")
	ErrAlreadyVoter    = errors.New("node is already a voter")
	ErrChangeInFlight  = errors.New("a membership change is already in flight")
	ErrEmptyVoterSet   = errors.New("commit calculation over an empty voter set")
)
