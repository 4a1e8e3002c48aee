package raft

import (
	"bytes"
	"context"
	"encoding/gob"
	"log"
)

// proposeRequest is a client command en route to the dispatcher loop.
type proposeRequest struct {
	command []byte
	resp    chan ApplyResult
}

// readIndexRequest asks the dispatcher to confirm current leadership before
// a linearizable read is allowed to proceed.
type readIndexRequest struct {
	resp chan error
}

// changeMembershipRequest asks the dispatcher to begin a joint-consensus
// transition to newMembers.
type changeMembershipRequest struct {
	newMembers map[NodeID]ClusterMember
	resp       chan error
}

// LeaderState is the event-dispatcher loop that owns all leader-only state.
// Every field below is touched exclusively from the goroutine running Run;
// every other goroutine (replication workers, API callers) reaches it only
// by sending on a channel and waiting for a reply.
type LeaderState struct {
	selfID      NodeID
	currentTerm uint64

	membership Membership
	commitIndex uint64

	replication map[NodeID]*PerNodeReplication
	nonVoters   map[NodeID]*PerNonVoter

	consensus ConsensusState
	snapshot  SnapshotState

	metrics *LeaderMetrics

	cfg     *Config
	storage Storage
	network Network
	logger  *log.Logger

	pending   commitQueue
	callbacks callbackQueue

	eventsRx           chan ReplicaEvent
	proposeRx          chan proposeRequest
	readIndexRx        chan readIndexRequest
	changeMembershipRx chan changeMembershipRequest

	// onStepDown is invoked from within Run when a higher term is observed,
	// and with the current term when a worker reports a fatal error; it
	// hands control back to the owning Node so it can transition to
	// Follower. nil is valid in tests driving LeaderState standalone.
	onStepDown func(newTerm uint64)

	workerCtx    context.Context
	cancelWorker context.CancelFunc
}

// NewLeaderState constructs a dispatcher for a node that has just won
// election. It spawns one replication worker per voter other than self and
// appends the leader-initial no-op entry (§12): until an entry from the
// current term is known committed, a freshly elected leader cannot safely
// advance commitIndex past entries inherited from prior terms.
func NewLeaderState(
	ctx context.Context,
	selfID NodeID,
	currentTerm uint64,
	membership Membership,
	commitIndex uint64,
	cfg *Config,
	storage Storage,
	network Network,
	logger *log.Logger,
	onStepDown func(newTerm uint64),
) *LeaderState {
	workerCtx, cancel := context.WithCancel(ctx)

	l := &LeaderState{
		selfID:             selfID,
		currentTerm:        currentTerm,
		membership:         membership,
		commitIndex:        commitIndex,
		replication:        make(map[NodeID]*PerNodeReplication),
		nonVoters:          make(map[NodeID]*PerNonVoter),
		consensus:          UniformState(),
		snapshot:           SnapshotState{},
		metrics:            NewLeaderMetrics(),
		cfg:                cfg,
		storage:            storage,
		network:            network,
		logger:             logger,
		eventsRx:           make(chan ReplicaEvent, cfg.ReplicationEventBuffer),
		proposeRx:          make(chan proposeRequest),
		readIndexRx:        make(chan readIndexRequest),
		changeMembershipRx: make(chan changeMembershipRequest),
		onStepDown:         onStepDown,
		workerCtx:          workerCtx,
		cancelWorker:       cancel,
	}

	for _, id := range membership.AllVoterIDs() {
		if id == selfID {
			continue
		}
		l.spawnVoterWorker(id)
	}

	l.appendNoop()

	return l
}

func (l *LeaderState) spawnVoterWorker(id NodeID) {
	head := l.storage.LastLogID()
	_, handle := spawnReplicationStream(l.workerCtx, l.selfID, id, l.currentTerm,
		head.Index, head.Term, l.commitIndex, l.cfg, l.network, l.storage, l.eventsRx, l.logger)
	l.replication[id] = &PerNodeReplication{ReplStream: handle}
}

func (l *LeaderState) spawnNonVoterWorker(id NodeID, respTx chan<- error) {
	head := l.storage.LastLogID()
	_, handle := spawnReplicationStream(l.workerCtx, l.selfID, id, l.currentTerm,
		head.Index, head.Term, l.commitIndex, l.cfg, l.network, l.storage, l.eventsRx, l.logger)
	l.nonVoters[id] = &PerNonVoter{
		PerNodeReplication: PerNodeReplication{ReplStream: handle},
		Tx:                 respTx,
	}
}

func (l *LeaderState) appendNoop() {
	head := l.storage.LastLogID()
	entry := LogEntry{Term: l.currentTerm, Index: head.Index + 1, Type: EntryNoop}
	if err := l.storage.AppendToLog([]LogEntry{entry}); err != nil {
		l.logger.Printf("[leader %s] failed to append no-op entry: %v", l.selfID, err)
	}
}

// CommitIndex reports the last commit index this dispatcher advanced to.
// Only safe to call after Run has returned (or from within it).
func (l *LeaderState) CommitIndex() uint64 {
	return l.commitIndex
}

// Run drives the dispatcher until ctx is cancelled or a fatal error forces
// a step-down. It is the only goroutine that mutates LeaderState.
func (l *LeaderState) Run(ctx context.Context) {
	defer l.cancelWorker()
	for {
		select {
		case <-ctx.Done():
			l.pending.failAll(ErrShuttingDown)
			return

		case ev := <-l.eventsRx:
			l.handleReplicaEvent(ev)

		case req := <-l.proposeRx:
			l.handlePropose(req)

		case req := <-l.readIndexRx:
			l.handleReadIndex(req)

		case req := <-l.changeMembershipRx:
			l.handleChangeMembership(req)
		}
	}
}

// Propose appends command as a client entry and blocks until it is
// committed and applied, or ctx is cancelled.
func (l *LeaderState) Propose(ctx context.Context, command []byte) (ApplyResult, error) {
	resp := make(chan ApplyResult, 1)
	select {
	case l.proposeRx <- proposeRequest{command: command, resp: resp}:
	case <-ctx.Done():
		return ApplyResult{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r, r.Err
	case <-ctx.Done():
		return ApplyResult{}, ctx.Err()
	}
}

// ReadIndex blocks until this leader has confirmed, via a committed barrier
// entry, that it was still leader at call time, making a subsequent local
// read of the state machine linearizable.
func (l *LeaderState) ReadIndex(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case l.readIndexRx <- readIndexRequest{resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChangeMembership begins a joint-consensus transition to newMembers. It
// blocks until the transition has fully committed (or failed).
func (l *LeaderState) ChangeMembership(ctx context.Context, newMembers map[NodeID]ClusterMember) error {
	resp := make(chan error, 1)
	select {
	case l.changeMembershipRx <- changeMembershipRequest{newMembers: newMembers, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LeaderState) handlePropose(req proposeRequest) {
	head := l.storage.LastLogID()
	entry := LogEntry{Term: l.currentTerm, Index: head.Index + 1, Type: EntryNormal, Command: req.command}
	if err := l.storage.AppendToLog([]LogEntry{entry}); err != nil {
		req.resp <- ApplyResult{Err: err}
		return
	}
	l.pending.register(entry.Index, req.resp)
}

func (l *LeaderState) handleReadIndex(req readIndexRequest) {
	head := l.storage.LastLogID()
	entry := LogEntry{Term: l.currentTerm, Index: head.Index + 1, Type: EntryNoop}
	if err := l.storage.AppendToLog([]LogEntry{entry}); err != nil {
		req.resp <- err
		return
	}
	relay := make(chan ApplyResult, 1)
	l.pending.register(entry.Index, relay)
	go func() {
		r := <-relay
		req.resp <- r.Err
	}()
}

func (l *LeaderState) handleReplicaEvent(ev ReplicaEvent) {
	switch e := ev.(type) {
	case RateUpdateEvent:
		l.handleRateUpdate(e)
	case RevertToFollowerEvent:
		l.handleRevertToFollower(e)
	case UpdateMatchIndexEvent:
		l.handleUpdateMatchIndex(e)
	case NeedsSnapshotEvent:
		l.handleNeedsSnapshot(e)
	case ShutdownEvent:
		l.handleWorkerShutdown(e)
	}
}

func (l *LeaderState) handleUpdateMatchIndex(e UpdateMatchIndexEvent) {
	if pr, ok := l.replication[e.Target]; ok {
		pr.MatchIndex, pr.MatchTerm = e.MatchIndex, e.MatchTerm
		l.metrics.Replication[e.Target] = ReplicationMetrics{Matched: LogID{Term: e.MatchTerm, Index: e.MatchIndex}}
		l.tryAdvanceCommit()
		return
	}
	if nv, ok := l.nonVoters[e.Target]; ok {
		nv.MatchIndex, nv.MatchTerm = e.MatchIndex, e.MatchTerm
		l.metrics.Replication[e.Target] = ReplicationMetrics{Matched: LogID{Term: e.MatchTerm, Index: e.MatchIndex}}
	}
}

// handleRateUpdate tracks the line-rate/lagging transition reported by a
// worker. A non-voter's first transition to line-rate clears it from the
// in-flight membership change's Awaiting set; once Awaiting is empty the
// joint-consensus entry is appended.
func (l *LeaderState) handleRateUpdate(e RateUpdateEvent) {
	nv, ok := l.nonVoters[e.Target]
	if !ok {
		return
	}
	if !e.IsLineRate || nv.IsReadyToJoin {
		return
	}
	nv.IsReadyToJoin = true
	nv.fire(nil)

	if l.consensus.Kind != NonVoterSync {
		return
	}
	delete(l.consensus.Awaiting, e.Target)
	if len(l.consensus.Awaiting) == 0 {
		l.beginJointConsensus()
	}
}

func (l *LeaderState) handleRevertToFollower(e RevertToFollowerEvent) {
	if e.Term <= l.currentTerm {
		return
	}
	l.pending.failAll(ErrLeadershipLost)
	l.callbacks.items = nil
	if l.consensus.Kind != Uniform && l.consensus.Tx != nil {
		select {
		case l.consensus.Tx <- ErrLeadershipLost:
		default:
		}
	}
	for _, nv := range l.nonVoters {
		nv.fire(ErrLeadershipLost)
	}
	if l.onStepDown != nil {
		l.onStepDown(e.Term)
	}
}

func (l *LeaderState) handleNeedsSnapshot(e NeedsSnapshotEvent) {
	if l.snapshot.Snapshotting {
		select {
		case <-l.snapshot.Done:
			l.snapshot = SnapshotState{}
		default:
			close(e.Tx)
			return
		}
	}
	handle, err := l.storage.GetCurrentSnapshot()
	if err != nil || handle == nil ||
		!snapshotIsWithinHalfOfThreshold(handle.Meta.LastLogID.Index, l.storage.LastLogID().Index, l.cfg.SnapshotPolicy.LogsSinceLast) {
		done := make(chan struct{})
		l.snapshot.Snapshotting = true
		l.snapshot.Done = done
		go func() {
			defer close(done)
			if _, err := l.storage.DoLogCompaction(); err != nil {
				l.logger.Printf("[leader %s] snapshot build failed: %v", l.selfID, err)
			}
		}()
		close(e.Tx)
		return
	}
	e.Tx <- handle
}

func (l *LeaderState) handleWorkerShutdown(e ShutdownEvent) {
	l.logger.Printf("[leader %s] worker for %s reported fatal error: %v", l.selfID, e.Target, e.Err)
	l.pending.failAll(ErrShuttingDown)
	if l.onStepDown != nil {
		l.onStepDown(l.currentTerm)
	}
}

// tryAdvanceCommit recomputes the commit index under the current
// configuration (joint or uniform, per §5) and, if it moved forward,
// applies the newly committed entries and fires anything waiting on them.
func (l *LeaderState) tryAdvanceCommit() {
	if len(l.membership.Members) == 0 {
		l.logger.Printf("[leader %s] %v", l.selfID, ErrEmptyVoterSet)
		return
	}

	head := l.storage.LastLogID()

	newCommit := calculateNewCommitIndex(l.matchEntriesFor(l.membership.Members, head), l.commitIndex, l.currentTerm)
	if l.membership.IsJoint() {
		jointCommit := calculateNewCommitIndex(l.matchEntriesFor(l.membership.MembersAfterConsensus, head), l.commitIndex, l.currentTerm)
		if jointCommit < newCommit {
			newCommit = jointCommit
		}
	}

	if newCommit <= l.commitIndex {
		return
	}
	prevCommit := l.commitIndex
	l.commitIndex = newCommit

	l.broadcastCommitIndex()

	entries, err := l.storage.GetLogEntries(prevCommit+1, newCommit)
	if err != nil {
		l.logger.Printf("[leader %s] failed to read committed range (%d,%d]: %v", l.selfID, prevCommit, newCommit, err)
		return
	}
	results, err := l.storage.ApplyToStateMachine(entries)
	if err != nil {
		l.logger.Printf("[leader %s] failed to apply committed entries: %v", l.selfID, err)
		return
	}
	l.pending.resolve(results)
	l.callbacks.fire(l.commitIndex)
}

func (l *LeaderState) matchEntriesFor(members map[NodeID]ClusterMember, head LogID) []matchEntry {
	entries := make([]matchEntry, 0, len(members))
	for id := range members {
		if id == l.selfID {
			entries = append(entries, matchEntry{index: head.Index, term: head.Term})
			continue
		}
		if pr, ok := l.replication[id]; ok {
			entries = append(entries, matchEntry{index: pr.MatchIndex, term: pr.MatchTerm})
			continue
		}
		entries = append(entries, matchEntry{index: 0, term: 0})
	}
	return entries
}

func (l *LeaderState) broadcastCommitIndex() {
	ev := UpdateCommitIndexEvent{CommitIndex: l.commitIndex}
	for _, pr := range l.replication {
		pr.ReplStream.Send(ev)
	}
	for _, nv := range l.nonVoters {
		nv.ReplStream.Send(ev)
	}
}

// handleChangeMembership starts a joint-consensus transition. Newly added
// members are spawned as non-voter replication workers and gated behind
// the "ready to join" catch-up check (§4.5) before the joint entry is
// appended; pure removals skip straight to the joint entry since nothing
// needs to catch up.
func (l *LeaderState) handleChangeMembership(req changeMembershipRequest) {
	if l.consensus.Kind != Uniform {
		req.resp <- ErrChangeInFlight
		return
	}

	awaiting := make(map[NodeID]struct{})
	for id := range req.newMembers {
		if l.membership.IsVoter(id) {
			continue
		}
		if _, already := l.nonVoters[id]; already {
			continue
		}
		l.spawnNonVoterWorker(id, nil)
		awaiting[id] = struct{}{}
	}

	l.consensus = ConsensusState{
		Kind:     NonVoterSync,
		Awaiting: awaiting,
		Members:  req.newMembers,
		Tx:       req.resp,
	}

	if len(awaiting) == 0 {
		l.beginJointConsensus()
	}
}

func encodeConfigChange(cc ConfigChange) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cc); err != nil {
		panic("raft: config change must always be gob-encodable: " + err.Error())
	}
	return buf.Bytes()
}

// DecodeConfigChange decodes the command payload of an EntryConfigChange
// entry. Used on the follower side, where a config-change entry's effect
// on Membership applies as soon as it is appended, not once it commits.
func DecodeConfigChange(command []byte) (ConfigChange, error) {
	var cc ConfigChange
	err := gob.NewDecoder(bytes.NewReader(command)).Decode(&cc)
	return cc, err
}

// ApplyConfigChange folds a decoded ConfigChange into m, returning the
// resulting Membership.
func ApplyConfigChange(m Membership, cc ConfigChange) Membership {
	switch cc.Type {
	case ConfigChangeEnterJoint:
		return Membership{Members: cc.Members, MembersAfterConsensus: cc.MembersAfterConsensus}
	case ConfigChangeLeaveJoint:
		return Membership{Members: cc.Members}
	default:
		return m
	}
}

// beginJointConsensus appends the ConfigChangeEnterJoint entry once every
// newly added member has caught up, moving catch-up workers into the voter
// replication set and registering the continuation that appends the
// leave-joint entry once this one commits.
func (l *LeaderState) beginJointConsensus() {
	newMembers := l.consensus.Members

	for id := range newMembers {
		if nv, ok := l.nonVoters[id]; ok {
			delete(l.nonVoters, id)
			l.replication[id] = &nv.PerNodeReplication
		}
	}

	l.membership.MembersAfterConsensus = newMembers

	head := l.storage.LastLogID()
	entry := LogEntry{
		Term:  l.currentTerm,
		Index: head.Index + 1,
		Type:  EntryConfigChange,
		Command: encodeConfigChange(ConfigChange{
			Type:                  ConfigChangeEnterJoint,
			Members:               l.membership.Members,
			MembersAfterConsensus: newMembers,
		}),
	}
	if err := l.storage.AppendToLog([]LogEntry{entry}); err != nil {
		l.finishChangeMembership(err)
		return
	}

	l.callbacks.register(entry.Index, l.finalizeJointConsensus)
}

// finalizeJointConsensus appends the leave-joint entry that collapses the
// configuration down to the new voter set alone. Departing members are
// terminated only once that entry itself has committed (handled in its own
// callback), so they remain available to the old quorum for as long as it
// is still needed.
func (l *LeaderState) finalizeJointConsensus() {
	newMembers := l.consensus.Members

	head := l.storage.LastLogID()
	entry := LogEntry{
		Term:  l.currentTerm,
		Index: head.Index + 1,
		Type:  EntryConfigChange,
		Command: encodeConfigChange(ConfigChange{
			Type:    ConfigChangeLeaveJoint,
			Members: newMembers,
		}),
	}
	if err := l.storage.AppendToLog([]LogEntry{entry}); err != nil {
		l.finishChangeMembership(err)
		return
	}

	l.membership = Membership{Members: newMembers}

	l.callbacks.register(entry.Index, func() {
		for id, pr := range l.replication {
			if _, stillVoter := newMembers[id]; stillVoter {
				continue
			}
			pr.ReplStream.Send(TerminateEvent{})
			delete(l.replication, id)
			delete(l.metrics.Replication, id)
		}
		l.finishChangeMembership(nil)
	})
}

func (l *LeaderState) finishChangeMembership(err error) {
	if l.consensus.Tx != nil {
		select {
		case l.consensus.Tx <- err:
		default:
		}
	}
	l.consensus = UniformState()
}
