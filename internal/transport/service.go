package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/claude-module/raftcore/internal/raft"
)

const serviceName = "raftcore.Raft"

// RaftServer is the server-side contract the hand-written ServiceDesc below
// dispatches to, mirroring what a generated RaftServiceServer interface
// would look like had this module gone through protoc.
type RaftServer interface {
	RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).RequestVote(ctx, req.(*raft.RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).AppendEntries(ctx, req.(*raft.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).InstallSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).InstallSnapshot(ctx, req.(*raft.InstallSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// raftServiceDesc is the hand-rolled equivalent of what protoc-gen-go-grpc
// would emit for a service with these three unary RPCs.
var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RaftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftcore/transport.proto",
}
