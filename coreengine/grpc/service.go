package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "deskpilot.v1.Control"

// Control service methods.
const (
	MethodPreviewApproval  = "PreviewApproval"
	MethodEvaluateApproval = "EvaluateApproval"
	MethodRegisterDecision = "RegisterDecision"
	MethodClearDecision    = "ClearDecision"
	MethodListPending      = "ListPending"
	MethodResolvePending   = "ResolvePending"
	MethodCheckPolicy      = "CheckPolicy"
	MethodSetWriteLock     = "SetWriteLock"
	MethodExecShell        = "ExecShell"
	MethodLaneStats        = "LaneStats"
	MethodStatus           = "Status"
)

// FullMethod returns "/deskpilot.v1.Control/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ControlService is the server API of deskpilot.v1.Control. Every message
// is a google.protobuf.Struct.
type ControlService interface {
	PreviewApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolvePending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetWriteLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecShell(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LaneStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ControlService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, m unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return m(srv.(ControlService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(srv.(ControlService), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ControlServiceDesc describes deskpilot.v1.Control for grpc.Server.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlService)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc(MethodPreviewApproval, ControlService.PreviewApproval),
		methodDesc(MethodEvaluateApproval, ControlService.EvaluateApproval),
		methodDesc(MethodRegisterDecision, ControlService.RegisterDecision),
		methodDesc(MethodClearDecision, ControlService.ClearDecision),
		methodDesc(MethodListPending, ControlService.ListPending),
		methodDesc(MethodResolvePending, ControlService.ResolvePending),
		methodDesc(MethodCheckPolicy, ControlService.CheckPolicy),
		methodDesc(MethodSetWriteLock, ControlService.SetWriteLock),
		methodDesc(MethodExecShell, ControlService.ExecShell),
		methodDesc(MethodLaneStats, ControlService.LaneStats),
		methodDesc(MethodStatus, ControlService.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "deskpilot/v1/control.proto",
}

// RegisterControlService registers srv on s.
func RegisterControlService(s grpc.ServiceRegistrar, srv ControlService) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls deskpilot.v1.Control with plain maps.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req and returns the response fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
