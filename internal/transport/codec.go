// Package transport carries the three Raft RPCs between nodes: a
// grpc-go Network implementation using a hand-written service descriptor
// and gob codec (this module has no protoc/protobuf code generation
// available), plus an in-memory LocalTransport test double.
package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const gobCodecName = "gob"

// gobCodec lets grpc-go carry plain Go structs (raft.RequestVoteRequest and
// friends) instead of protoc-generated proto.Message types. Registering it
// under encoding.RegisterCodec and selecting it per-call via
// grpc.CallContentSubtype is a supported grpc-go extension point, not a
// private API.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return gobCodecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
