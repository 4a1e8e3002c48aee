package raft

// snapshotIsWithinHalfOfThreshold reports whether an existing snapshot at
// snapshotLastIndex is fresh enough to serve to a follower lagging behind
// lastLogIndex, instead of forcing a new snapshot build. The distance is
// saturated at 0 when the snapshot is (impossibly) ahead of the log.
func snapshotIsWithinHalfOfThreshold(snapshotLastIndex, lastLogIndex, threshold uint64) bool {
	var distance uint64
	if snapshotLastIndex > lastLogIndex {
		distance = 0
	} else {
		distance = lastLogIndex - snapshotLastIndex
	}
	return distance <= threshold/2
}
