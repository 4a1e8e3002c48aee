package raft

import "time"

// SnapshotPolicy governs when the leader forces a fresh snapshot build
// instead of serving an existing one to a lagging follower (see
// snapshotIsWithinHalfOfThreshold).
type SnapshotPolicy struct {
	// LogsSinceLast is the threshold handed to
	// snapshotIsWithinHalfOfThreshold: when a lagging follower needs a
	// snapshot and the existing one is more than LogsSinceLast/2 entries
	// behind the log head, a new one is built. Log growth alone never
	// triggers a snapshot.
	LogsSinceLast uint64
}

// Config holds the tunables for a Raft node. Persisted state layout itself
// is delegated to the Storage collaborator; Config only carries the knobs
// this core consults directly.
type Config struct {
	NodeID            NodeID
	Peers             map[NodeID]string // nodeID -> network address
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	SnapshotPolicy    SnapshotPolicy
	WALDir            string

	// ReplicationEventBuffer sizes the single channel every replication
	// worker's events funnel into on the leader side.
	ReplicationEventBuffer int

	// RPCTimeout bounds a single AppendEntries/RequestVote round trip.
	RPCTimeout time.Duration
	// SnapshotRPCTimeout bounds a single InstallSnapshot chunk round trip.
	SnapshotRPCTimeout time.Duration
}

// DefaultConfig returns a configuration with the same cadence the teacher
// repo ships (150ms/50ms election/heartbeat), scaled to a 1000-entry
// snapshot policy.
func DefaultConfig(nodeID NodeID) *Config {
	return &Config{
		NodeID:                 nodeID,
		Peers:                  make(map[NodeID]string),
		ElectionTimeout:        150 * time.Millisecond,
		HeartbeatInterval:      50 * time.Millisecond,
		SnapshotPolicy:         SnapshotPolicy{LogsSinceLast: 1000},
		WALDir:                 "./data",
		ReplicationEventBuffer: 256,
		RPCTimeout:             100 * time.Millisecond,
		SnapshotRPCTimeout:     5 * time.Second,
	}
}
