// Package storage is the durable log and snapshot collaborator a raft.Node
// is built against: a write-ahead log with a pluggable state machine,
// CRC32-framed and gob-encoded on disk.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/claude-module/raftcore/internal/raft"
)

// StateMachine is the application this log's committed entries drive. It
// is not told about EntryConfigChange or EntryNoop entries; the WAL
// answers those itself.
type StateMachine interface {
	Apply(entry raft.LogEntry) raft.ApplyResult
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

const (
	walFileName         = "raft.wal"
	snapshotFileName     = "snapshot.dat"
	incomingSnapshotFile = "snapshot.incoming"
	recordHeaderSize     = 8 // 4 bytes CRC + 4 bytes length
)

// persistentState is the gob-encoded record written to disk on every
// mutation, following the teacher's overwrite-whole-file strategy: simple,
// and fine at the entry counts a single-node WAL sees between snapshots.
type persistentState struct {
	HardState raft.HardState
	Entries   []raft.LogEntry
	// SnapshotLastIndex/Term identify the prefix already folded into the
	// last snapshot, so LastLogID can still report the snapshot boundary
	// when no entries remain after compaction.
	SnapshotLastIndex uint64
	SnapshotLastTerm  uint64
}

type onDiskSnapshot struct {
	Meta raft.SnapshotMeta
	Data []byte
}

// WAL implements raft.Storage.
type WAL struct {
	mu  sync.RWMutex
	dir string
	sm  StateMachine

	file *os.File

	hardState raft.HardState
	entries   []raft.LogEntry

	snapshotLastIndex uint64
	snapshotLastTerm  uint64
	membership        raft.Membership

	incoming *os.File
}

// New opens (and if necessary creates) a WAL rooted at dir, recovering any
// persisted state and snapshot.
func New(dir string, sm StateMachine) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	w := &WAL{dir: dir, sm: sm}
	if err := w.recover(); err != nil {
		return nil, fmt.Errorf("recover wal: %w", err)
	}
	return w, nil
}

func (w *WAL) recover() error {
	if err := w.loadSnapshot(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load snapshot: %w", err)
	}

	walPath := filepath.Join(w.dir, walFileName)
	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open wal file: %w", err)
	}
	w.file = file

	if err := w.readState(); err != nil && err != io.EOF {
		return fmt.Errorf("read wal state: %w", err)
	}
	return nil
}

func (w *WAL) readState() error {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(w.file, header); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(w.file, data); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(data) != crc {
		return fmt.Errorf("CRC mismatch in wal record")
	}

	var state persistentState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return fmt.Errorf("decode wal record: %w", err)
	}

	w.hardState = state.HardState
	w.entries = state.Entries
	w.snapshotLastIndex = state.SnapshotLastIndex
	w.snapshotLastTerm = state.SnapshotLastTerm
	return nil
}

func (w *WAL) persistLocked() error {
	state := persistentState{
		HardState:         w.hardState,
		Entries:           w.entries,
		SnapshotLastIndex: w.snapshotLastIndex,
		SnapshotLastTerm:  w.snapshotLastTerm,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek wal file: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal file: %w", err)
	}
	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("write wal header: %w", err)
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write wal data: %w", err)
	}
	return w.file.Sync()
}

// AppendToLog implements raft.Storage.
func (w *WAL) AppendToLog(entries []raft.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entries...)
	return w.persistLocked()
}

func (w *WAL) indexOf(index uint64) int {
	for i, e := range w.entries {
		if e.Index == index {
			return i
		}
	}
	return -1
}

// GetLogEntries implements raft.Storage. The range is inclusive on both
// ends; startIndex <= endIndex with endIndex 0 means "nothing", matching
// how an empty log reports LastLogID().Index == 0.
func (w *WAL) GetLogEntries(startIndex, endIndex uint64) ([]raft.LogEntry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if endIndex < startIndex {
		return nil, nil
	}
	result := make([]raft.LogEntry, 0, endIndex-startIndex+1)
	for _, e := range w.entries {
		if e.Index >= startIndex && e.Index <= endIndex {
			result = append(result, e)
		}
	}
	return result, nil
}

// GetLogEntry implements raft.Storage. ok is false both when index is
// beyond the end of the log and when it has been compacted away; callers
// distinguish those by comparing against LastLogID and the snapshot
// boundary as needed.
func (w *WAL) GetLogEntry(index uint64) (raft.LogEntry, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if i := w.indexOf(index); i >= 0 {
		return w.entries[i], true, nil
	}
	return raft.LogEntry{}, false, nil
}

// LastLogID implements raft.Storage.
func (w *WAL) LastLogID() raft.LogID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.entries) == 0 {
		return raft.LogID{Term: w.snapshotLastTerm, Index: w.snapshotLastIndex}
	}
	last := w.entries[len(w.entries)-1]
	return raft.LogID{Term: last.Term, Index: last.Index}
}

// TruncateAfter implements raft.Storage, dropping every entry with index >
// index (conflict resolution on the follower side).
func (w *WAL) TruncateAfter(index uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.Index <= index {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	return w.persistLocked()
}

// ApplyToStateMachine implements raft.Storage. EntryNoop entries produce an
// empty ApplyResult; EntryConfigChange entries update the WAL's tracked
// Membership and likewise produce no state-machine response.
func (w *WAL) ApplyToStateMachine(entries []raft.LogEntry) ([]raft.ApplyResult, error) {
	results := make([]raft.ApplyResult, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case raft.EntryNormal:
			results = append(results, w.sm.Apply(e))
		case raft.EntryConfigChange:
			cc, err := raft.DecodeConfigChange(e.Command)
			if err != nil {
				return results, fmt.Errorf("decode config change at index %d: %w", e.Index, err)
			}
			w.mu.Lock()
			w.membership = raft.ApplyConfigChange(w.membership, cc)
			w.mu.Unlock()
			results = append(results, raft.ApplyResult{Index: e.Index})
		case raft.EntryNoop:
			results = append(results, raft.ApplyResult{Index: e.Index})
		}
	}
	return results, nil
}

// CurrentMembership returns the voter configuration implied by the highest
// config-change entry applied so far.
func (w *WAL) CurrentMembership() raft.Membership {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.membership
}

// SaveHardState implements raft.Storage.
func (w *WAL) SaveHardState(hs raft.HardState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hardState = hs
	return w.persistLocked()
}

// GetHardState implements raft.Storage.
func (w *WAL) GetHardState() raft.HardState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.hardState
}

// GetCurrentSnapshot implements raft.Storage, returning the most recently
// taken snapshot if one exists.
func (w *WAL) GetCurrentSnapshot() (*raft.SnapshotHandle, error) {
	snap, err := w.readSnapshotFile(filepath.Join(w.dir, snapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &raft.SnapshotHandle{Meta: snap.Meta, Reader: bytes.NewReader(snap.Data)}, nil
}

// DoLogCompaction implements raft.Storage: it asks the state machine for a
// fresh snapshot of everything committed so far, persists it, and discards
// the now-redundant log prefix.
func (w *WAL) DoLogCompaction() (*raft.SnapshotHandle, error) {
	w.mu.RLock()
	var lastApplied raft.LogID
	if len(w.entries) > 0 {
		last := w.entries[len(w.entries)-1]
		lastApplied = raft.LogID{Term: last.Term, Index: last.Index}
	} else {
		lastApplied = raft.LogID{Term: w.snapshotLastTerm, Index: w.snapshotLastIndex}
	}
	membership := w.membership
	w.mu.RUnlock()

	data, err := w.sm.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot state machine: %w", err)
	}

	meta := raft.SnapshotMeta{LastLogID: lastApplied, SnapshotID: lastApplied.String(), Configuration: membership}
	if err := w.writeSnapshotFile(filepath.Join(w.dir, snapshotFileName), onDiskSnapshot{Meta: meta, Data: data}); err != nil {
		return nil, err
	}

	w.mu.Lock()
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.Index > lastApplied.Index {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	w.snapshotLastIndex = lastApplied.Index
	w.snapshotLastTerm = lastApplied.Term
	err = w.persistLocked()
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &raft.SnapshotHandle{Meta: meta, Reader: bytes.NewReader(data)}, nil
}

// BeginReceivingSnapshot implements raft.Storage, opening a scratch file
// that accumulates the streamed chunks of an InstallSnapshot transfer.
func (w *WAL) BeginReceivingSnapshot() (raft.SnapshotWriter, error) {
	path := filepath.Join(w.dir, incomingSnapshotFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open incoming snapshot file: %w", err)
	}
	w.mu.Lock()
	w.incoming = f
	w.mu.Unlock()
	return f, nil
}

// FinalizeSnapshotInstallation implements raft.Storage: the accumulated
// bytes become the state machine's snapshot, the log prefix they cover is
// discarded, and the scratch file is promoted to the durable snapshot file.
func (w *WAL) FinalizeSnapshotInstallation(meta raft.SnapshotMeta, writer raft.SnapshotWriter) error {
	f, ok := writer.(*os.File)
	if !ok {
		return fmt.Errorf("unexpected snapshot writer type %T", writer)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync incoming snapshot: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek incoming snapshot: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read incoming snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close incoming snapshot: %w", err)
	}

	if err := w.sm.Restore(data); err != nil {
		return fmt.Errorf("restore state machine from snapshot: %w", err)
	}
	if err := w.writeSnapshotFile(filepath.Join(w.dir, snapshotFileName), onDiskSnapshot{Meta: meta, Data: data}); err != nil {
		return err
	}

	w.mu.Lock()
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.Index > meta.LastLogID.Index {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	w.snapshotLastIndex = meta.LastLogID.Index
	w.snapshotLastTerm = meta.LastLogID.Term
	w.membership = meta.Configuration
	w.incoming = nil
	err = w.persistLocked()
	w.mu.Unlock()
	return err
}

func (w *WAL) writeSnapshotFile(path string, snap onDiskSnapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write snapshot data: %w", err)
	}
	return f.Sync()
}

func (w *WAL) loadSnapshot() error {
	snap, err := w.readSnapshotFile(filepath.Join(w.dir, snapshotFileName))
	if err != nil {
		return err
	}
	return w.sm.Restore(snap.Data)
}

func (w *WAL) readSnapshotFile(path string) (onDiskSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return onDiskSnapshot{}, err
	}
	defer f.Close()

	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return onDiskSnapshot{}, fmt.Errorf("read snapshot header: %w", err)
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(f, data); err != nil {
		return onDiskSnapshot{}, fmt.Errorf("read snapshot data: %w", err)
	}
	if crc32.ChecksumIEEE(data) != crc {
		return onDiskSnapshot{}, fmt.Errorf("CRC mismatch in snapshot file")
	}

	var snap onDiskSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return onDiskSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	w.mu.Lock()
	w.snapshotLastIndex = snap.Meta.LastLogID.Index
	w.snapshotLastTerm = snap.Meta.LastLogID.Term
	w.membership = snap.Meta.Configuration
	w.mu.Unlock()

	return snap, nil
}

// Size returns the number of log entries currently retained (post the last
// compaction).
func (w *WAL) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Close releases the underlying file handles.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.incoming != nil {
		w.incoming.Close()
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
