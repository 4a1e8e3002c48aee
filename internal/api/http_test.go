package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/claude-module/raftcore/internal/cluster"
	"github.com/claude-module/raftcore/internal/kv"
	"github.com/claude-module/raftcore/internal/raft"
	"github.com/claude-module/raftcore/internal/storage"
	"github.com/claude-module/raftcore/internal/transport"
)

func newTestHandler(t *testing.T) (*HTTPHandler, *raft.Node) {
	t.Helper()
	sm := kv.New()
	st, err := storage.New(t.TempDir(), sm)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	net := transport.NewLocalTransport()
	cfg := raft.DefaultConfig(1)
	membership := raft.Membership{Members: map[raft.NodeID]raft.ClusterMember{1: {NodeID: 1, Voting: true}}}
	node := raft.NewNode(cfg, st, net, membership, nil)
	net.Register(1, node)

	members := cluster.NewManager()
	members.Sync(membership)

	return NewHTTPHandler(node, sm, members, "localhost:9001"), node
}

func TestStatusReportsFollowerBeforeElection(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"role":"follower"`) {
		t.Errorf("status body = %s, want role follower", rec.Body.String())
	}
}

func TestSetRejectedWhenNotLeader(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/kv/foo", strings.NewReader(`{"value":"bar"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503 (not yet leader)", rec.Code)
	}
}

func TestMembersEndpointReportsSyncedMembership(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/cluster/members", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"1":{"ID":1,`) {
		t.Errorf("members body = %s, want synced member 1", rec.Body.String())
	}
}
