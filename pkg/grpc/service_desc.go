package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// unary builds a method descriptor for a handler that takes *Req and returns
// *Resp, so services can be declared without generated stubs.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// invoke calls one unary method with the JSON codec.
func invoke(ctx context.Context, cc grpc.ClientConnInterface, service, method string, in, out interface{}) error {
	return cc.Invoke(ctx, "/"+service+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}
