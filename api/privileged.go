// Package api describes the privd.v1.Privileged gRPC service. The request
// and response messages are well-known google.protobuf.Struct values, so the
// service descriptor is declared here directly rather than generated.
package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "privd.v1.Privileged"
	CallMethod  = "/privd.v1.Privileged/Call"

	// FieldCommand and FieldArgs are the two top-level request fields.
	FieldCommand = "command"
	FieldArgs    = "args"

	// MetadataAuthorization carries the session token on every call.
	MetadataAuthorization = "authorization"
)

// PrivilegedServer is the server API for the Privileged service.
type PrivilegedServer interface {
	Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// PrivilegedClient is the client API for the Privileged service.
type PrivilegedClient interface {
	Call(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type privilegedClient struct {
	cc grpc.ClientConnInterface
}

func NewPrivilegedClient(cc grpc.ClientConnInterface) PrivilegedClient {
	return &privilegedClient{cc}
}

func (c *privilegedClient) Call(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CallMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func RegisterPrivilegedServer(s grpc.ServiceRegistrar, srv PrivilegedServer) {
	s.RegisterService(&Privileged_ServiceDesc, srv)
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PrivilegedServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CallMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PrivilegedServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Privileged_ServiceDesc is the grpc.ServiceDesc for the Privileged service.
var Privileged_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PrivilegedServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "privileged.proto",
}

// NewRequest builds the Struct for command with args. args may be nil.
func NewRequest(command string, args map[string]interface{}) (*structpb.Struct, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	argStruct, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", command, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldCommand: structpb.NewStringValue(command),
		FieldArgs:    structpb.NewStructValue(argStruct),
	}}, nil
}

// CommandOf returns the command name of a request, or "" when absent.
func CommandOf(req *structpb.Struct) string {
	return req.GetFields()[FieldCommand].GetStringValue()
}

// ArgsOf returns the argument struct of a request, never nil.
func ArgsOf(req *structpb.Struct) *structpb.Struct {
	if args := req.GetFields()[FieldArgs].GetStructValue(); args != nil {
		return args
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}
