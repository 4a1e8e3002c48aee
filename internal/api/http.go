// Package api is the client-facing surface of a raft.Node: a JSON-over-HTTP
// handler for Get/Set/Delete and cluster status, plus a leader-seeking
// HTTP client.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claude-module/raftcore/internal/cluster"
	"github.com/claude-module/raftcore/internal/kv"
	"github.com/claude-module/raftcore/internal/raft"
)

// These headers let a client carry a stable ClientID/RequestID across a
// retried request so kv.Store's session dedup can actually recognize the
// retry. A caller that omits them gets a fresh, unique identity instead,
// which never deduplicates.
const (
	clientIDHeader  = "X-Client-Id"
	requestIDHeader = "X-Request-Id"
)

// requestIdentity reads the caller-supplied ClientID/RequestID from r, or
// mints a one-off identity that cannot be deduplicated if either header is
// missing or malformed.
func requestIdentity(r *http.Request) (uuid.UUID, uint64) {
	clientID, clientErr := uuid.Parse(r.Header.Get(clientIDHeader))
	requestID, requestErr := strconv.ParseUint(r.Header.Get(requestIDHeader), 10, 64)
	if clientErr != nil || requestErr != nil {
		return uuid.New(), 1
	}
	return clientID, requestID
}

// HTTPHandler exposes a raft.Node's key-value state machine and status over
// HTTP. Every mutating request goes through node.Propose; every read goes
// through node.ReadIndex first to stay linearizable.
type HTTPHandler struct {
	node    *raft.Node
	store   *kv.Store
	members *cluster.Manager
	addr    string
	mux     *http.ServeMux

	requestTimeout time.Duration
}

func NewHTTPHandler(node *raft.Node, store *kv.Store, members *cluster.Manager, selfAddr string) *HTTPHandler {
	h := &HTTPHandler{
		node:           node,
		store:          store,
		members:        members,
		addr:           selfAddr,
		mux:            http.NewServeMux(),
		requestTimeout: 5 * time.Second,
	}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/cluster/members", h.handleMembers)
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		if err := h.node.ReadIndex(ctx); err != nil {
			h.respondError(w, err)
			return
		}
		value, ok := h.store.Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		var body struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		clientID, requestID := requestIdentity(r)
		payload, err := kv.EncodeCommand(kv.CommandSet, key, []byte(body.Value), clientID, requestID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := h.node.Propose(ctx, payload); err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodDelete:
		clientID, requestID := requestIdentity(r)
		payload, err := kv.EncodeCommand(kv.CommandDelete, key, nil, clientID, requestID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := h.node.Propose(ctx, payload); err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, err error) {
	switch err {
	case raft.ErrNotLeader:
		h.respondNotLeader(w)
	case context.DeadlineExceeded, raft.ErrTimeout:
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *HTTPHandler) respondNotLeader(w http.ResponseWriter) {
	body := map[string]interface{}{"error": "not leader"}
	if id, ok := h.node.LeaderID(); ok {
		body["leader_id"] = id
	}
	h.respondJSON(w, http.StatusServiceUnavailable, body)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	role, term := h.node.State()
	status := map[string]interface{}{
		"role": role.String(),
		"term": term,
		"addr": h.addr,
	}
	if id, ok := h.node.LeaderID(); ok {
		status["leader_id"] = id
	}
	h.respondJSON(w, http.StatusOK, status)
}

func (h *HTTPHandler) handleMembers(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.members.Snapshot())
}

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
