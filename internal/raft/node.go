package raft

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Role is the three Raft roles plus a terminal Shutdown state: the run loop
// exits once it observes Shutdown. No code path in this package assigns it.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Shutdown
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Node is one Raft participant: the follower/candidate election loop plus,
// while elected, a LeaderState dispatcher. Role and term change both on the
// run goroutine and in the RPC handlers; mu guards role, membership,
// leaderID and lastApplied for all of them and for IsLeader-style queries.
type Node struct {
	id      NodeID
	cfg     *Config
	storage Storage
	network Network
	logger  *log.Logger

	mu          sync.Mutex
	role        Role
	membership  Membership
	leaderID    *NodeID
	lastApplied uint64

	leader       *LeaderState
	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	resetElectionCh chan struct{}
	stepDownCh      chan uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode constructs a node in the Follower role. membership is the
// initial voter set (typically recovered from storage at startup).
func NewNode(cfg *Config, storage Storage, network Network, membership Membership, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		id:              cfg.NodeID,
		cfg:             cfg,
		storage:         storage,
		network:         network,
		logger:          logger,
		role:            Follower,
		membership:      membership,
		resetElectionCh: make(chan struct{}, 1),
		stepDownCh:      make(chan uint64, 1),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start runs the election-timeout loop in a background goroutine.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop cancels all node activity and waits for it to wind down.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		role := n.role
		n.mu.Unlock()

		switch role {
		case Shutdown:
			return
		case Leader:
			n.runAsLeader()
		default:
			n.runAsFollowerOrCandidate()
		}

		select {
		case <-n.ctx.Done():
			return
		default:
		}
	}
}

func (n *Node) electionTimeout() time.Duration {
	base := n.cfg.ElectionTimeout
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base + jitter
}

// runAsFollowerOrCandidate waits for either an election timeout (starting a
// new election) or an externally triggered reset (a valid AppendEntries or
// RequestVote grant observed); it returns as soon as the role changes so
// the outer run loop can re-dispatch.
func (n *Node) runAsFollowerOrCandidate() {
	timer := time.NewTimer(n.electionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.resetElectionCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(n.electionTimeout())
		case <-timer.C:
			n.startElection()
			return
		}

		n.mu.Lock()
		role := n.role
		n.mu.Unlock()
		if role == Leader || role == Shutdown {
			return
		}
	}
}

func (n *Node) startElection() {
	n.mu.Lock()
	hs := n.storage.GetHardState()
	hs.CurrentTerm++
	self := n.id
	hs.VotedFor = &self
	n.role = Candidate
	n.mu.Unlock()

	if err := n.storage.SaveHardState(hs); err != nil {
		n.logger.Printf("[node %s] failed to persist candidate state: %v", n.id, err)
		return
	}

	head := n.storage.LastLogID()
	req := &RequestVoteRequest{
		Term:         hs.CurrentTerm,
		CandidateID:  n.id,
		LastLogIndex: head.Index,
		LastLogTerm:  head.Term,
	}

	n.mu.Lock()
	peers := n.membership.AllVoterIDs()
	n.mu.Unlock()

	votes := 1 // vote for self
	need := majorityOf(len(peers))

	results := make(chan bool, len(peers))
	for _, peer := range peers {
		if peer == n.id {
			continue
		}
		peer := peer
		go func() {
			rctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
			defer cancel()
			resp, err := n.network.RequestVote(rctx, peer, req)
			if err != nil {
				results <- false
				return
			}
			if resp.Term > hs.CurrentTerm {
				n.stepDown(resp.Term)
				results <- false
				return
			}
			results <- resp.VoteGranted
		}()
	}

	for i := 0; i < len(peers)-1; i++ {
		select {
		case granted := <-results:
			if granted {
				votes++
			}
		case <-n.ctx.Done():
			return
		}
		if votes >= need {
			break
		}
	}

	n.mu.Lock()
	stillCandidate := n.role == Candidate
	currentTerm := hs.CurrentTerm
	n.mu.Unlock()

	if stillCandidate && votes >= need {
		n.becomeLeader(currentTerm)
	}
}

func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	n.role = Leader
	self := n.id
	n.leaderID = &self
	membership := n.membership
	n.mu.Unlock()

	n.mu.Lock()
	commitIndex := n.lastApplied
	n.mu.Unlock()

	leaderCtx, cancel := context.WithCancel(n.ctx)
	n.leaderCtx = leaderCtx
	n.leaderCancel = cancel
	n.leader = NewLeaderState(leaderCtx, n.id, term, membership, commitIndex,
		n.cfg, n.storage, n.network, n.logger, n.stepDown)
	n.logger.Printf("[node %s] became leader for term %d", n.id, term)
}

func (n *Node) runAsLeader() {
	n.leader.Run(n.leaderCtx)
	finalCommit := n.leader.CommitIndex()

	n.mu.Lock()
	if n.role == Leader {
		n.role = Follower
	}
	if finalCommit > n.lastApplied {
		n.lastApplied = finalCommit
	}
	n.leaderID = nil
	n.mu.Unlock()

	if n.leaderCancel != nil {
		n.leaderCancel()
		n.leaderCancel = nil
	}
	n.leaderCtx = nil
	n.leader = nil
}

// stepDown forces the node back to Follower for newTerm. Safe to call
// concurrently; idempotent once the term has already advanced past
// newTerm.
func (n *Node) stepDown(newTerm uint64) {
	n.mu.Lock()
	hs := n.storage.GetHardState()
	if newTerm < hs.CurrentTerm {
		n.mu.Unlock()
		return
	}
	hs.CurrentTerm = newTerm
	hs.VotedFor = nil
	wasLeader := n.role == Leader
	n.role = Follower
	n.mu.Unlock()

	if err := n.storage.SaveHardState(hs); err != nil {
		n.logger.Printf("[node %s] failed to persist step-down state: %v", n.id, err)
	}

	if wasLeader && n.leaderCancel != nil {
		n.leaderCancel()
	}

	select {
	case n.resetElectionCh <- struct{}{}:
	default:
	}
}

// HandleRequestVote is the follower-side RPC handler (§7 election safety:
// grant only if the candidate's term is at least current and its log is at
// least as up to date as this node's).
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	hs := n.storage.GetHardState()
	if req.Term < hs.CurrentTerm {
		return &RequestVoteResponse{Term: hs.CurrentTerm, VoteGranted: false}
	}
	if req.Term > hs.CurrentTerm {
		hs.CurrentTerm = req.Term
		hs.VotedFor = nil
		n.role = Follower
	}

	head := n.storage.LastLogID()
	logUpToDate := req.LastLogTerm > head.Term ||
		(req.LastLogTerm == head.Term && req.LastLogIndex >= head.Index)

	grant := logUpToDate && (hs.VotedFor == nil || *hs.VotedFor == req.CandidateID)
	if grant {
		hs.VotedFor = &req.CandidateID
	}

	if err := n.storage.SaveHardState(hs); err != nil {
		n.logger.Printf("[node %s] failed to persist vote state: %v", n.id, err)
		return &RequestVoteResponse{Term: hs.CurrentTerm, VoteGranted: false}
	}

	if grant {
		select {
		case n.resetElectionCh <- struct{}{}:
		default:
		}
	}

	return &RequestVoteResponse{Term: hs.CurrentTerm, VoteGranted: grant}
}

// HandleAppendEntries is the follower-side RPC handler, including the
// accelerated conflict-index backtracking hint in the response (§5.3).
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mu.Lock()
	hs := n.storage.GetHardState()
	if req.Term < hs.CurrentTerm {
		n.mu.Unlock()
		return &AppendEntriesResponse{Term: hs.CurrentTerm, Success: false}
	}
	var steppedDown bool
	if req.Term > hs.CurrentTerm || n.role == Candidate {
		hs.CurrentTerm = req.Term
		hs.VotedFor = nil
		steppedDown = n.role == Leader
		n.role = Follower
		if err := n.storage.SaveHardState(hs); err != nil {
			n.logger.Printf("[node %s] failed to persist term bump: %v", n.id, err)
		}
	}
	leader := req.LeaderID
	n.leaderID = &leader
	n.mu.Unlock()

	if steppedDown && n.leaderCancel != nil {
		n.leaderCancel()
	}

	select {
	case n.resetElectionCh <- struct{}{}:
	default:
	}

	if req.PrevLogIndex > 0 {
		entry, ok, err := n.storage.GetLogEntry(req.PrevLogIndex)
		if err != nil {
			n.logger.Printf("[node %s] storage error reading prev entry: %v", n.id, err)
			return &AppendEntriesResponse{Term: hs.CurrentTerm, Success: false}
		}
		if !ok {
			return &AppendEntriesResponse{Term: hs.CurrentTerm, Success: false, ConflictIndex: n.storage.LastLogID().Index + 1}
		}
		if entry.Term != req.PrevLogTerm {
			conflictIndex := req.PrevLogIndex
			for conflictIndex > 1 {
				prior, ok, err := n.storage.GetLogEntry(conflictIndex - 1)
				if err != nil || !ok || prior.Term != entry.Term {
					break
				}
				conflictIndex--
			}
			return &AppendEntriesResponse{Term: hs.CurrentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: entry.Term}
		}
	}

	if len(req.Entries) > 0 {
		for _, e := range req.Entries {
			existing, ok, err := n.storage.GetLogEntry(e.Index)
			if err == nil && ok && existing.Term != e.Term {
				if err := n.storage.TruncateAfter(e.Index - 1); err != nil {
					n.logger.Printf("[node %s] failed to truncate conflicting suffix: %v", n.id, err)
					return &AppendEntriesResponse{Term: hs.CurrentTerm, Success: false}
				}
				break
			}
		}
		if err := n.storage.AppendToLog(req.Entries); err != nil {
			n.logger.Printf("[node %s] failed to append entries: %v", n.id, err)
			return &AppendEntriesResponse{Term: hs.CurrentTerm, Success: false}
		}
		for _, e := range req.Entries {
			if e.Type != EntryConfigChange {
				continue
			}
			cc, err := DecodeConfigChange(e.Command)
			if err != nil {
				n.logger.Printf("[node %s] failed to decode config change at index %d: %v", n.id, e.Index, err)
				continue
			}
			n.mu.Lock()
			n.membership = ApplyConfigChange(n.membership, cc)
			n.mu.Unlock()
		}
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > 0 {
		newCommit := req.LeaderCommit
		if lastNew < newCommit {
			newCommit = lastNew
		}
		n.mu.Lock()
		lastApplied := n.lastApplied
		n.mu.Unlock()
		if newCommit > lastApplied {
			if entries, err := n.storage.GetLogEntries(lastApplied+1, newCommit); err == nil {
				if _, err := n.storage.ApplyToStateMachine(entries); err != nil {
					n.logger.Printf("[node %s] failed to apply follower-side committed entries: %v", n.id, err)
				} else {
					n.mu.Lock()
					n.lastApplied = newCommit
					n.mu.Unlock()
				}
			}
		}
	}

	return &AppendEntriesResponse{Term: hs.CurrentTerm, Success: true, MatchIndex: lastNew}
}

// HandleInstallSnapshot is the follower-side RPC handler for a single
// streamed chunk of a snapshot.
func (n *Node) HandleInstallSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	n.mu.Lock()
	hs := n.storage.GetHardState()
	if req.Term < hs.CurrentTerm {
		n.mu.Unlock()
		return &InstallSnapshotResponse{Term: hs.CurrentTerm}, nil
	}
	n.mu.Unlock()

	select {
	case n.resetElectionCh <- struct{}{}:
	default:
	}

	w, err := n.storage.BeginReceivingSnapshot()
	if err != nil {
		return nil, fmt.Errorf("begin receiving snapshot: %w", err)
	}
	if _, err := w.Write(req.Data); err != nil {
		w.Close()
		return nil, fmt.Errorf("write snapshot chunk: %w", err)
	}
	if !req.Done {
		return &InstallSnapshotResponse{Term: hs.CurrentTerm}, nil
	}
	if err := n.storage.FinalizeSnapshotInstallation(req.Meta, w); err != nil {
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}

	n.mu.Lock()
	n.membership = req.Meta.Configuration
	n.mu.Unlock()

	return &InstallSnapshotResponse{Term: hs.CurrentTerm}, nil
}

// Propose submits command to the cluster. It fails fast with ErrNotLeader
// when this node is not currently leader.
func (n *Node) Propose(ctx context.Context, command []byte) (ApplyResult, error) {
	n.mu.Lock()
	leader := n.leader
	n.mu.Unlock()
	if leader == nil {
		return ApplyResult{}, ErrNotLeader
	}
	return leader.Propose(ctx, command)
}

// ReadIndex confirms current leadership before a linearizable local read.
func (n *Node) ReadIndex(ctx context.Context) error {
	n.mu.Lock()
	leader := n.leader
	n.mu.Unlock()
	if leader == nil {
		return ErrNotLeader
	}
	return leader.ReadIndex(ctx)
}

// ChangeMembership begins a joint-consensus transition to newMembers.
func (n *Node) ChangeMembership(ctx context.Context, newMembers map[NodeID]ClusterMember) error {
	n.mu.Lock()
	leader := n.leader
	n.mu.Unlock()
	if leader == nil {
		return ErrNotLeader
	}
	return leader.ChangeMembership(ctx, newMembers)
}

// IsLeader reports whether this node currently believes it is leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderID reports the last known leader, if any.
func (n *Node) LeaderID() (NodeID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID == nil {
		return 0, false
	}
	return *n.leaderID, true
}

// State reports the node's current role and term, used by status/health
// endpoints.
func (n *Node) State() (Role, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role, n.storage.GetHardState().CurrentTerm
}

// Membership reports this node's current view of cluster membership.
func (n *Node) Membership() Membership {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.membership
}
