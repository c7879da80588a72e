// Package phyapi exposes the scheduler to a PHY over gRPC. The service
// macsched.phy.v1.PhyService carries its messages as google.protobuf.Struct
// so PHY implementations in any language can speak it without generated
// stubs.
package phyapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "macsched.phy.v1.PhyService"

// Method names of the PHY service.
const (
	MethodSlotIndication      = "SlotIndication"
	MethodGenerateSchedResult = "GenerateSchedResult"
	MethodDlAckInfo           = "DlAckInfo"
	MethodUlCrcInfo           = "UlCrcInfo"
	MethodUlSrInfo            = "UlSrInfo"
	MethodUlBsr               = "UlBsr"
	MethodDlBufferState       = "DlBufferState"
	MethodDlRachInfo          = "DlRachInfo"
	MethodDlCqiInfo           = "DlCqiInfo"
	MethodDlMacCe             = "DlMacCe"
	MethodUeConfig            = "UeConfig"
	MethodUeRemove            = "UeRemove"
	MethodMetricsRead         = "MetricsRead"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// PhyServiceServer is the server API of the PHY service.
type PhyServiceServer interface {
	SlotIndication(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GenerateSchedResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DlAckInfo(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UlCrcInfo(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UlSrInfo(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UlBsr(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DlBufferState(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DlRachInfo(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DlCqiInfo(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DlMacCe(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UeConfig(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UeRemove(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	MetricsRead(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterPhyServiceServer registers srv on s.
func RegisterPhyServiceServer(s grpc.ServiceRegistrar, srv PhyServiceServer) {
	s.RegisterService(&PhyServiceDesc, srv)
}

// unary adapts a typed handler to grpc.MethodHandler, running the server's
// interceptor chain like generated code does.
func unary[Req any, Resp any](method string, call func(PhyServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	full := FullMethod(method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PhyServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PhyServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// PhyServiceDesc describes the PHY service for grpc.Server.
var PhyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PhyServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSlotIndication, PhyServiceServer.SlotIndication),
		unary(MethodGenerateSchedResult, PhyServiceServer.GenerateSchedResult),
		unary(MethodDlAckInfo, PhyServiceServer.DlAckInfo),
		unary(MethodUlCrcInfo, PhyServiceServer.UlCrcInfo),
		unary(MethodUlSrInfo, PhyServiceServer.UlSrInfo),
		unary(MethodUlBsr, PhyServiceServer.UlBsr),
		unary(MethodDlBufferState, PhyServiceServer.DlBufferState),
		unary(MethodDlRachInfo, PhyServiceServer.DlRachInfo),
		unary(MethodDlCqiInfo, PhyServiceServer.DlCqiInfo),
		unary(MethodDlMacCe, PhyServiceServer.DlMacCe),
		unary(MethodUeConfig, PhyServiceServer.UeConfig),
		unary(MethodUeRemove, PhyServiceServer.UeRemove),
		unary(MethodMetricsRead, PhyServiceServer.MetricsRead),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "macsched/phy/v1/phy.proto",
}
