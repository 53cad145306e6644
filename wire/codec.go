package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/protohelper"
)

// Invoke performs a unary call of method on conn, translating req and the
// response through structpb and restoring error kinds from the status.
func Invoke[Req, Resp any](ctx context.Context, conn grpc.ClientConnInterface, method string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	in, err := protohelper.ToStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, ferrors.FromStatus(err)
	}
	resp := new(Resp)
	if err := protohelper.FromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream is the client side of a server-streaming call.
type Stream[T any] struct {
	cs grpc.ClientStream
}

// OpenStream starts a server-streaming call of method and sends req.
func OpenStream[Req, T any](ctx context.Context, conn grpc.ClientConnInterface, desc *grpc.StreamDesc, method string, req *Req, opts ...grpc.CallOption) (*Stream[T], error) {
	cs, err := conn.NewStream(ctx, desc, method, opts...)
	if err != nil {
		return nil, ferrors.FromStatus(err)
	}
	in, err := protohelper.ToStruct(req)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(in); err != nil {
		return nil, ferrors.FromStatus(err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, ferrors.FromStatus(err)
	}
	return &Stream[T]{cs: cs}, nil
}

// Recv blocks for the next message. It returns io.EOF when the server ends the stream.
func (s *Stream[T]) Recv() (*T, error) {
	out := new(structpb.Struct)
	if err := s.cs.RecvMsg(out); err != nil {
		return nil, ferrors.FromStatus(err)
	}
	msg := new(T)
	if err := protohelper.FromStruct(out, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Sender is the server side of a server-streaming call.
type Sender[T any] interface {
	Send(msg *T) error
	Context() context.Context
}

type streamSender[T any] struct {
	ss grpc.ServerStream
}

func (s streamSender[T]) Send(msg *T) error {
	out, err := protohelper.ToStruct(msg)
	if err != nil {
		return err
	}
	return s.ss.SendMsg(out)
}

func (s streamSender[T]) Context() context.Context {
	return s.ss.Context()
}

func unary[S, Req, Resp any](fullMethod string, call func(srv S, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, msg any) (any, error) {
			req := new(Req)
			if err := protohelper.FromStruct(msg.(*structpb.Struct), req); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			resp, err := call(srv.(S), ctx, req)
			if err != nil {
				return nil, ferrors.ToStatus(err)
			}
			return protohelper.ToStruct(resp)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

func serverStream[S, Req, T any](call func(srv S, req *Req, out Sender[T]) error) grpc.StreamHandler {
	return func(srv any, ss grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := ss.RecvMsg(in); err != nil {
			return err
		}
		req := new(Req)
		if err := protohelper.FromStruct(in, req); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return ferrors.ToStatus(call(srv.(S), req, streamSender[T]{ss: ss}))
	}
}

func fullName(service, method string) string {
	return fmt.Sprintf("/%s/%s", service, method)
}
