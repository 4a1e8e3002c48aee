// Package kv is the key-value state machine a raft.Node's committed log
// drives: an in-memory map plus per-client request deduplication.
package kv

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/google/uuid"

	"github.com/claude-module/raftcore/internal/raft"
)

// CommandType distinguishes the two mutations this state machine supports.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

// Command is the gob-encoded payload of an EntryNormal log entry.
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  uuid.UUID
	RequestID uint64
}

// ClientSession tracks the last request seen from a client so a retried
// Propose (after a leader failover, say) replays the cached response
// instead of applying the mutation twice.
type ClientSession struct {
	LastRequestID uint64
	Response      interface{}
}

// Store is an in-memory key-value state machine implementing
// storage.StateMachine.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	sessions map[uuid.UUID]*ClientSession
}

func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		sessions: make(map[uuid.UUID]*ClientSession),
	}
}

// Apply implements storage.StateMachine. It is only ever called with
// EntryNormal entries; the storage layer answers EntryNoop/EntryConfigChange
// itself.
func (s *Store) Apply(entry raft.LogEntry) raft.ApplyResult {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(entry.Command)).Decode(&cmd); err != nil {
		return raft.ApplyResult{Index: entry.Index, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[cmd.ClientID]; ok && session.LastRequestID >= cmd.RequestID {
		return raft.ApplyResult{Index: entry.Index, Response: session.Response}
	}

	var response interface{}
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		response = true
	case CommandDelete:
		delete(s.data, cmd.Key)
		response = true
	}

	s.sessions[cmd.ClientID] = &ClientSession{LastRequestID: cmd.RequestID, Response: response}

	return raft.ApplyResult{Index: entry.Index, Response: response}
}

// Get retrieves a value by key. Reads against a leader should go through
// raft.Node.ReadIndex first to remain linearizable.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, true
}

// GetAll returns a copy of every key-value pair.
func (s *Store) GetAll() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

type snapshotState struct {
	Data     map[string][]byte
	Sessions map[uuid.UUID]*ClientSession
}

// Snapshot implements storage.StateMachine.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshotState{Data: s.data, Sessions: s.sessions}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore implements storage.StateMachine.
func (s *Store) Restore(data []byte) error {
	var state snapshotState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Data == nil {
		state.Data = make(map[string][]byte)
	}
	if state.Sessions == nil {
		state.Sessions = make(map[uuid.UUID]*ClientSession)
	}
	s.data = state.Data
	s.sessions = state.Sessions
	return nil
}

// EncodeCommand builds the log payload for a Set/Delete Propose call.
func EncodeCommand(cmdType CommandType, key string, value []byte, clientID uuid.UUID, requestID uint64) ([]byte, error) {
	cmd := Command{Type: cmdType, Key: key, Value: value, ClientID: clientID, RequestID: requestID}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Size returns the number of keys currently stored.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
