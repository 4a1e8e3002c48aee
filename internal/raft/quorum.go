package raft

import "sort"

// matchEntry is one voter's highest known replicated position.
type matchEntry struct {
	index uint64
	term  uint64
}

// majorityOf returns the smallest quorum size for n voters.
func majorityOf(n int) int {
	return n/2 + 1
}

// calculateNewCommitIndex determines the commit index implied by a set of
// per-voter (match_index, match_term) pairs.
//
// entries holds one pair per voter, including the leader itself. The result
// is never less than currentCommit. Only an index whose entry was written in
// leaderTerm may be counted as committed (Raft §5.4.2: a leader cannot
// conclude an entry from a prior term is committed by counting replicas,
// only entries from its own term).
func calculateNewCommitIndex(entries []matchEntry, currentCommit uint64, leaderTerm uint64) uint64 {
	if len(entries) == 0 {
		return currentCommit
	}

	sorted := make([]matchEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].index < sorted[j].index })

	majority := majorityOf(len(sorted))
	offset := len(sorted) - majority
	candidate := sorted[offset]

	if candidate.index > currentCommit && candidate.term == leaderTerm {
		return candidate.index
	}
	return currentCommit
}
