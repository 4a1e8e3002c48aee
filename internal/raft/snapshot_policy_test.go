package raft

import "testing"

func TestSnapshotIsWithinHalfOfThreshold(t *testing.T) {
	cases := []struct {
		name                                 string
		snapshotLastIndex, lastLogIndex, threshold uint64
		want                                 bool
	}{
		{"happy_path_true_when_within_half_threshold", 50, 100, 500, true},
		{"happy_path_false_when_above_half_threshold", 1, 500, 100, false},
		{"guards_against_underflow", 200, 100, 500, true},
		{"exactly_at_half_threshold", 50, 100, 100, true},
		{"one_past_half_threshold", 49, 100, 100, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := snapshotIsWithinHalfOfThreshold(tc.snapshotLastIndex, tc.lastLogIndex, tc.threshold)
			if got != tc.want {
				t.Errorf("snapshotIsWithinHalfOfThreshold(%d, %d, %d) = %v, want %v",
					tc.snapshotLastIndex, tc.lastLogIndex, tc.threshold, got, tc.want)
			}
		})
	}
}
