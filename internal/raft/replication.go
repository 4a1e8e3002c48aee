package raft

import (
	"context"
	"io"
	"log"
	"time"
)

// ReplicationHandle is the leader's handle to one running replication
// worker: the send side of that worker's inbound control channel. The
// leader and the worker are independent endpoints with independent
// closures — neither owns the other.
type ReplicationHandle struct {
	Target NodeID
	tx     chan RaftEvent
}

// Send delivers a control event to the worker. Sends block only for as long
// as the worker is mid-RPC, bounded by the worker's per-RPC timeout; the
// channel is large enough in practice that this is not observed.
func (h *ReplicationHandle) Send(ev RaftEvent) {
	h.tx <- ev
}

const snapshotChunkSize = 64 * 1024

// replicationStream is one long-lived worker task, one per peer (voter or
// non-voter). It owns the next_index cursor for its peer and drives
// AppendEntries/InstallSnapshot, reporting progress back to the leader over
// eventsTx. It makes no assumption about ordering between other workers.
type replicationStream struct {
	leaderID NodeID
	target   NodeID

	currentTerm uint64
	nextIndex   uint64
	matchIndex  uint64
	commitIndex uint64
	isLineRate  bool
	// stopped is set once a higher term has been observed; the worker
	// keeps draining its control channel (to honor Terminate) but issues
	// no further RPCs.
	stopped bool

	cfg     *Config
	network Network
	storage Storage

	eventsTx  chan<- ReplicaEvent
	controlRx chan RaftEvent

	logger *log.Logger
}

// spawnReplicationStream starts a new worker for target and returns the
// leader-side handle used to address it. lastLogIndex/lastLogTerm/commitIndex
// are the leader's view at spawn time.
func spawnReplicationStream(
	ctx context.Context,
	leaderID, target NodeID,
	currentTerm uint64,
	lastLogIndex, lastLogTerm, commitIndex uint64,
	cfg *Config,
	network Network,
	storage Storage,
	eventsTx chan<- ReplicaEvent,
	logger *log.Logger,
) (*replicationStream, *ReplicationHandle) {
	handle := &ReplicationHandle{
		Target: target,
		tx:     make(chan RaftEvent, cfg.ReplicationEventBuffer),
	}
	rs := &replicationStream{
		leaderID:    leaderID,
		target:      target,
		currentTerm: currentTerm,
		nextIndex:   lastLogIndex + 1,
		matchIndex:  0,
		commitIndex: commitIndex,
		cfg:         cfg,
		network:     network,
		storage:     storage,
		eventsTx:    eventsTx,
		controlRx:   handle.tx,
		logger:      logger,
	}
	go rs.run(ctx)
	return rs, handle
}

func (rs *replicationStream) run(ctx context.Context) {
	ticker := time.NewTicker(rs.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rs.controlRx:
			switch e := ev.(type) {
			case TerminateEvent:
				return
			case UpdateCommitIndexEvent:
				rs.commitIndex = e.CommitIndex
			}
			continue
		case <-ticker.C:
		}

		if rs.stopped {
			continue
		}

		if err := rs.replicateOnce(ctx); err != nil {
			rs.logger.Printf("[replstream %s->%s] fatal error: %v", rs.leaderID, rs.target, err)
			rs.eventsTx <- ShutdownEvent{Target: rs.target, Err: err}
			return
		}
	}
}

// replicateOnce sends one AppendEntries batch (or diverts into a snapshot
// transfer when the needed prefix has been compacted away). A non-nil
// return is a fatal storage error; RPC/network failures are transient and
// handled inline (never escalated, per §7).
func (rs *replicationStream) replicateOnce(ctx context.Context) error {
	prevLogIndex := rs.nextIndex - 1
	var prevLogTerm uint64

	if prevLogIndex > 0 {
		entry, ok, err := rs.storage.GetLogEntry(prevLogIndex)
		if err != nil {
			return err
		}
		if !ok {
			return rs.requestAndStreamSnapshot(ctx)
		}
		prevLogTerm = entry.Term
	}

	head := rs.storage.LastLogID()
	entries, err := rs.storage.GetLogEntries(rs.nextIndex, head.Index)
	if err != nil {
		return err
	}

	req := &AppendEntriesRequest{
		Term:         rs.currentTerm,
		LeaderID:     rs.leaderID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: rs.commitIndex,
	}

	rctx, cancel := context.WithTimeout(ctx, rs.cfg.RPCTimeout)
	resp, err := rs.network.AppendEntries(rctx, rs.target, req)
	cancel()
	if err != nil {
		return nil // transient: retry on next tick
	}

	if resp.Term > rs.currentTerm {
		rs.stopped = true
		rs.eventsTx <- RevertToFollowerEvent{Target: rs.target, Term: resp.Term}
		return nil
	}

	if resp.Success {
		if len(entries) > 0 {
			last := entries[len(entries)-1]
			rs.matchIndex = last.Index
			rs.nextIndex = last.Index + 1
			rs.eventsTx <- UpdateMatchIndexEvent{Target: rs.target, MatchIndex: rs.matchIndex, MatchTerm: last.Term}
		}

		wasLineRate := rs.isLineRate
		rs.isLineRate = rs.nextIndex > head.Index
		if rs.isLineRate != wasLineRate {
			rs.eventsTx <- RateUpdateEvent{Target: rs.target, IsLineRate: rs.isLineRate}
		}
		return nil
	}

	// Raft §5.3 accelerated backtracking.
	if resp.ConflictIndex > 0 {
		rs.nextIndex = resp.ConflictIndex
	} else if rs.nextIndex > 1 {
		rs.nextIndex--
	}

	if rs.isLineRate {
		rs.isLineRate = false
		rs.eventsTx <- RateUpdateEvent{Target: rs.target, IsLineRate: false}
	}
	return nil
}

// requestAndStreamSnapshot asks the leader for a snapshot via a one-shot
// reply channel, then streams whatever it gets back to the follower. If the
// leader drops the request (snapshot build in progress, or not yet
// available), the worker simply retries on its next tick.
func (rs *replicationStream) requestAndStreamSnapshot(ctx context.Context) error {
	tx := make(chan *SnapshotHandle, 1)
	rs.eventsTx <- NeedsSnapshotEvent{Target: rs.target, Tx: tx}

	select {
	case handle, ok := <-tx:
		if !ok || handle == nil {
			return nil
		}
		return rs.streamSnapshot(ctx, handle)
	case <-ctx.Done():
		return nil
	case <-time.After(rs.cfg.SnapshotRPCTimeout):
		return nil
	}
}

func (rs *replicationStream) streamSnapshot(ctx context.Context, handle *SnapshotHandle) error {
	buf := make([]byte, snapshotChunkSize)
	var offset uint64

	for {
		n, readErr := handle.Reader.Read(buf)
		done := readErr == io.EOF

		req := &InstallSnapshotRequest{
			Term:     rs.currentTerm,
			LeaderID: rs.leaderID,
			Meta:     handle.Meta,
			Data:     append([]byte(nil), buf[:n]...),
			Offset:   offset,
			Done:     done,
		}

		rctx, cancel := context.WithTimeout(ctx, rs.cfg.SnapshotRPCTimeout)
		resp, err := rs.network.InstallSnapshot(rctx, rs.target, req)
		cancel()
		if err != nil {
			return nil // transient: the worker will re-request on its next tick
		}

		if resp.Term > rs.currentTerm {
			rs.stopped = true
			rs.eventsTx <- RevertToFollowerEvent{Target: rs.target, Term: resp.Term}
			return nil
		}

		offset += uint64(n)

		if done {
			rs.matchIndex = handle.Meta.LastLogID.Index
			rs.nextIndex = handle.Meta.LastLogID.Index + 1
			rs.eventsTx <- UpdateMatchIndexEvent{
				Target:     rs.target,
				MatchIndex: rs.matchIndex,
				MatchTerm:  handle.Meta.LastLogID.Term,
			}
			return nil
		}

		if readErr != nil {
			return nil // transient read failure: retry whole snapshot next tick
		}
	}
}
