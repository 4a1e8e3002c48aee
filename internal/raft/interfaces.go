package raft

import (
	"context"
	"io"
)

// Network is the transport collaborator (§6): it carries the three Raft
// RPCs to a peer. Any error is retriable at the worker's discretion; the
// term field of a response drives step-down regardless of transport error.
type Network interface {
	RequestVote(ctx context.Context, peer NodeID, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer NodeID, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peer NodeID, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// SnapshotHandle exposes a previously built snapshot's metadata and an open
// reader over its bytes.
type SnapshotHandle struct {
	Meta   SnapshotMeta
	Reader io.Reader
}

// SnapshotWriter receives a streamed InstallSnapshot payload before it is
// finalized into the state machine.
type SnapshotWriter interface {
	io.Writer
	io.Closer
}

// Storage is the persistent log / state machine collaborator (§6). A failed
// call is not retried: inside a replication worker it is reported as a
// ShutdownEvent (the leader then steps down); elsewhere the error is logged
// or returned to the caller. No storage failure moves the node into the
// Shutdown role.
type Storage interface {
	AppendToLog(entries []LogEntry) error
	GetLogEntries(startIndex, endIndex uint64) ([]LogEntry, error)
	GetLogEntry(index uint64) (LogEntry, bool, error)
	LastLogID() LogID
	TruncateAfter(index uint64) error

	ApplyToStateMachine(entries []LogEntry) ([]ApplyResult, error)

	SaveHardState(hs HardState) error
	GetHardState() HardState

	GetCurrentSnapshot() (*SnapshotHandle, error)
	BeginReceivingSnapshot() (SnapshotWriter, error)
	FinalizeSnapshotInstallation(meta SnapshotMeta, w SnapshotWriter) error
	DoLogCompaction() (*SnapshotHandle, error)
}
