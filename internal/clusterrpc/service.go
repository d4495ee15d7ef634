package clusterrpc

import (
	"context"

	"google.golang.org/grpc"
)

// MembershipServer is implemented by whatever wants to serve join and
// heartbeat RPCs — internal/rpcserver.Server in this repo.
type MembershipServer interface {
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	Join(ctx context.Context, req *JoinRequestMsg) (*JoinResponse, error)
}

// TasksServer is implemented by the node that executes dispatched
// tasks and streams their output back.
type TasksServer interface {
	Dispatch(req *DispatchRequest, stream grpc.ServerStreamingServer[DispatchChunk]) error
	Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error)
}

// UpdaterServer is implemented by a follower accepting a pushed binary
// during a rolling update.
type UpdaterServer interface {
	PushBinary(stream grpc.ClientStreamingServer[PushBinaryChunk, PushBinaryResponse]) error
	ActivateBinary(ctx context.Context, req *ActivateBinaryRequest) (*ActivateBinaryResponse, error)
	RollbackBinary(ctx context.Context, req *RollbackBinaryRequest) (*RollbackBinaryResponse, error)
}

// SubmitterServer is implemented by the leader to serve forgectl.
type SubmitterServer interface {
	SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error)
	SubmitWorkflow(ctx context.Context, req *SubmitWorkflowRequest) (*SubmitWorkflowResponse, error)
	GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error)
	ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error)
	ListNodes(ctx context.Context, req *ListNodesRequest) (*ListNodesResponse, error)
	CancelTask(ctx context.Context, req *CancelRequest) (*CancelResponse, error)
}

func membershipHeartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(HeartbeatRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MembershipServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/forge.Membership/Heartbeat"}
	return interceptor(ctx, req, info, handler)
}

func membershipJoinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(JoinRequestMsg)
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MembershipServer).Join(ctx, req.(*JoinRequestMsg))
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/forge.Membership/Join"}
	return interceptor(ctx, req, info, handler)
}

// MembershipServiceDesc is the hand-built grpc.ServiceDesc standing in
// for protoc-gen-go output.
var MembershipServiceDesc = grpc.ServiceDesc{
	ServiceName: "forge.Membership",
	HandlerType: (*MembershipServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: membershipHeartbeatHandler},
		{MethodName: "Join", Handler: membershipJoinHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forge/membership.proto",
}

func tasksDispatchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(DispatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TasksServer).Dispatch(req, &dispatchStreamServer{stream})
}

type dispatchStreamServer struct{ grpc.ServerStream }

func (s *dispatchStreamServer) Send(m *DispatchChunk) error { return s.ServerStream.SendMsg(m) }

func tasksCancelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(CancelRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TasksServer).Cancel(ctx, req.(*CancelRequest))
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/forge.Tasks/Cancel"}
	return interceptor(ctx, req, info, handler)
}

// TasksServiceDesc serves task dispatch (server-streaming) and cancel.
var TasksServiceDesc = grpc.ServiceDesc{
	ServiceName: "forge.Tasks",
	HandlerType: (*TasksServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Cancel", Handler: tasksCancelHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Dispatch", Handler: tasksDispatchHandler, ServerStreams: true},
	},
	Metadata: "forge/tasks.proto",
}

func updaterPushBinaryHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(UpdaterServer).PushBinary(&pushBinaryStreamServer{stream})
}

type pushBinaryStreamServer struct{ grpc.ServerStream }

func (s *pushBinaryStreamServer) Recv() (*PushBinaryChunk, error) {
	m := new(PushBinaryChunk)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *pushBinaryStreamServer) SendAndClose(resp *PushBinaryResponse) error {
	return s.ServerStream.SendMsg(resp)
}

func updaterActivateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ActivateBinaryRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(UpdaterServer).ActivateBinary(ctx, req.(*ActivateBinaryRequest))
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/forge.Updater/ActivateBinary"}
	return interceptor(ctx, req, info, handler)
}

func updaterRollbackHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(RollbackBinaryRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(UpdaterServer).RollbackBinary(ctx, req.(*RollbackBinaryRequest))
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/forge.Updater/RollbackBinary"}
	return interceptor(ctx, req, info, handler)
}

// UpdaterServiceDesc serves the rolling-update binary push (client
// streaming), activation, and rollback.
var UpdaterServiceDesc = grpc.ServiceDesc{
	ServiceName: "forge.Updater",
	HandlerType: (*UpdaterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ActivateBinary", Handler: updaterActivateHandler},
		{MethodName: "RollbackBinary", Handler: updaterRollbackHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "PushBinary", Handler: updaterPushBinaryHandler, ClientStreams: true},
	},
	Metadata: "forge/updater.proto",
}

func submitterHandler(method string, reqFactory func() interface{}, call func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := reqFactory()
		if err := dec(req); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv, ctx, req)
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/forge.Submitter/" + method}
		return interceptor(ctx, req, info, handler)
	}
}

// SubmitterServiceDesc serves the submitter-facing API used by forgectl.
var SubmitterServiceDesc = grpc.ServiceDesc{
	ServiceName: "forge.Submitter",
	HandlerType: (*SubmitterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitTask", Handler: submitterHandler("SubmitTask", func() interface{} { return new(SubmitTaskRequest) }, func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(SubmitterServer).SubmitTask(ctx, req.(*SubmitTaskRequest))
		})},
		{MethodName: "SubmitWorkflow", Handler: submitterHandler("SubmitWorkflow", func() interface{} { return new(SubmitWorkflowRequest) }, func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(SubmitterServer).SubmitWorkflow(ctx, req.(*SubmitWorkflowRequest))
		})},
		{MethodName: "GetTask", Handler: submitterHandler("GetTask", func() interface{} { return new(GetTaskRequest) }, func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(SubmitterServer).GetTask(ctx, req.(*GetTaskRequest))
		})},
		{MethodName: "ListTasks", Handler: submitterHandler("ListTasks", func() interface{} { return new(ListTasksRequest) }, func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(SubmitterServer).ListTasks(ctx, req.(*ListTasksRequest))
		})},
		{MethodName: "ListNodes", Handler: submitterHandler("ListNodes", func() interface{} { return new(ListNodesRequest) }, func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(SubmitterServer).ListNodes(ctx, req.(*ListNodesRequest))
		})},
		{MethodName: "CancelTask", Handler: submitterHandler("CancelTask", func() interface{} { return new(CancelRequest) }, func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(SubmitterServer).CancelTask(ctx, req.(*CancelRequest))
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forge/submitter.proto",
}
