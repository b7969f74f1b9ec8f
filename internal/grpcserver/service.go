package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName    = "skyplate.v1.Solver"
	solveMethod    = "/" + serviceName + "/Solve"
	uploadMethod   = "/" + serviceName + "/Upload"
	uploadChunkLen = 256 << 10
)

// Upload request metadata keys.
const (
	MetaFilename = "x-skyplate-filename"
	MetaSHA256   = "x-skyplate-sha256"
	MetaRA       = "x-skyplate-ra"
	MetaDec      = "x-skyplate-dec"
	MetaScale    = "x-skyplate-scale"
	MetaProfile  = "x-skyplate-profile"
	MetaTimeout  = "x-skyplate-timeout"
)

// SolverServer is the server side of skyplate.v1.Solver.
type SolverServer interface {
	// Solve solves a frame the server can read at req["path"].
	Solve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// Upload receives a frame as byte chunks and solves it.
	Upload(stream UploadStream) error
}

// UploadStream is the server view of an Upload call.
type UploadStream interface {
	Context() context.Context
	Recv() (*wrapperspb.BytesValue, error)
	SendAndClose(*structpb.Struct) error
}

type uploadServerStream struct {
	grpc.ServerStream
}

func (s *uploadServerStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *uploadServerStream) SendAndClose(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func solveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SolverServer).Solve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: solveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SolverServer).Solve(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func uploadHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SolverServer).Upload(&uploadServerStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SolverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Solve", Handler: solveHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Upload", Handler: uploadHandler, ClientStreams: true},
	},
	Metadata: "skyplate/v1/solver.proto",
}

// RegisterSolverServer registers srv on s.
func RegisterSolverServer(s grpc.ServiceRegistrar, srv SolverServer) {
	s.RegisterService(&serviceDesc, srv)
}
