package raft

import "testing"

func TestCalculateNewCommitIndexBasicValues(t *testing.T) {
	entries := []matchEntry{{20, 3}, {5, 2}, {0, 2}, {15, 3}, {10, 3}}
	got := calculateNewCommitIndex(entries, 5, 3)
	if got != 10 {
		t.Errorf("got %d, want 10", got)
	}
}

func TestCalculateNewCommitIndexEmptyReturnsCurrent(t *testing.T) {
	got := calculateNewCommitIndex(nil, 20, 10)
	if got != 20 {
		t.Errorf("got %d, want 20", got)
	}
}

func TestCalculateNewCommitIndexSingleNodeGreaterThanCurrent(t *testing.T) {
	got := calculateNewCommitIndex([]matchEntry{{100, 3}}, 0, 3)
	if got != 100 {
		t.Errorf("got %d, want 100", got)
	}
}

func TestCalculateNewCommitIndexSingleNodeWrongTerm(t *testing.T) {
	got := calculateNewCommitIndex([]matchEntry{{100, 2}}, 0, 3)
	if got != 0 {
		t.Errorf("got %d, want 0 (term mismatch blocks commit)", got)
	}
}

func TestCalculateNewCommitIndexSingleNodeLessThanCurrent(t *testing.T) {
	got := calculateNewCommitIndex([]matchEntry{{50, 3}}, 100, 3)
	if got != 100 {
		t.Errorf("got %d, want 100 (never regresses)", got)
	}
}

func TestCalculateNewCommitIndexEvenNodeCount(t *testing.T) {
	entries := []matchEntry{{0, 3}, {100, 3}, {0, 3}, {100, 3}, {0, 3}, {100, 3}}
	got := calculateNewCommitIndex(entries, 0, 3)
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestCalculateNewCommitIndexMajorityWins(t *testing.T) {
	entries := []matchEntry{{0, 3}, {100, 3}, {0, 3}, {100, 3}, {0, 3}, {100, 3}, {100, 3}}
	got := calculateNewCommitIndex(entries, 0, 3)
	if got != 100 {
		t.Errorf("got %d, want 100", got)
	}
}

func TestCalculateNewCommitIndexMajorityButWrongTerm(t *testing.T) {
	entries := []matchEntry{{0, 2}, {100, 2}, {0, 2}, {101, 3}, {0, 2}, {101, 3}, {101, 3}}
	got := calculateNewCommitIndex(entries, 0, 3)
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestCalculateNewCommitIndexPriorTermBlock(t *testing.T) {
	// Scenario 2 from the spec: single voter matched at (100, term 2),
	// leader is in term 3. Must not advance past current_commit.
	got := calculateNewCommitIndex([]matchEntry{{100, 2}}, 0, 3)
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestCalculateNewCommitIndexN1N2N3Boundaries(t *testing.T) {
	cases := []struct {
		name    string
		entries []matchEntry
		want    uint64
	}{
		{"n1", []matchEntry{{7, 4}}, 7},
		{"n2-needs-both", []matchEntry{{3, 4}, {9, 4}}, 3},
		{"n3-needs-majority-two", []matchEntry{{1, 4}, {5, 4}, {9, 4}}, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := calculateNewCommitIndex(tc.entries, 0, 4)
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}
