package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loggysh/loggy-go/pkg/types"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "loggy.v1.LoggyService"

const (
	methodGetOrInsertApplication = "/" + ServiceName + "/GetOrInsertApplication"
	methodGetOrInsertDevice      = "/" + ServiceName + "/GetOrInsertDevice"
	methodInsertSession          = "/" + ServiceName + "/InsertSession"
	methodRegisterSend           = "/" + ServiceName + "/RegisterSend"
	methodSend                   = "/" + ServiceName + "/Send"
)

// Application identifies the host application. The client fills Key and
// Descriptor; the collector answers with ID set.
type Application struct {
	ID         string `cbor:"1,keyasint,omitempty"`
	Key        string `cbor:"2,keyasint"`
	Descriptor []byte `cbor:"3,keyasint,omitempty"`
}

// Device identifies one installation of the application. InstallID is the
// client-generated stable id; ID is assigned by the collector.
type Device struct {
	ID         string `cbor:"1,keyasint,omitempty"`
	AppID      string `cbor:"2,keyasint"`
	InstallID  string `cbor:"3,keyasint"`
	Descriptor []byte `cbor:"4,keyasint,omitempty"`
}

// Session is a request to open a new session for an application and device.
// The identity fields are optional and carried verbatim.
type Session struct {
	AppID    string `cbor:"1,keyasint"`
	DeviceID string `cbor:"2,keyasint"`
	UserID   string `cbor:"3,keyasint,omitempty"`
	Email    string `cbor:"4,keyasint,omitempty"`
	UserName string `cbor:"5,keyasint,omitempty"`
}

// SessionID carries a collector-assigned session id.
type SessionID struct {
	ID int32 `cbor:"1,keyasint"`
}

// Ack is the empty acknowledgement returned by RegisterSend and Send.
type Ack struct {
	Received int64 `cbor:"1,keyasint,omitempty"`
}

// LoggyServiceClient is the client API for LoggyService.
type LoggyServiceClient interface {
	GetOrInsertApplication(ctx context.Context, in *Application, opts ...grpc.CallOption) (*Application, error)
	GetOrInsertDevice(ctx context.Context, in *Device, opts ...grpc.CallOption) (*Device, error)
	InsertSession(ctx context.Context, in *Session, opts ...grpc.CallOption) (*SessionID, error)
	RegisterSend(ctx context.Context, in *SessionID, opts ...grpc.CallOption) (*Ack, error)
	Send(ctx context.Context, opts ...grpc.CallOption) (LoggyService_SendClient, error)
}

type loggyServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewLoggyServiceClient returns a client bound to cc. Every call is made
// with the CBOR content-subtype.
func NewLoggyServiceClient(cc grpc.ClientConnInterface) LoggyServiceClient {
	return &loggyServiceClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *loggyServiceClient) GetOrInsertApplication(ctx context.Context, in *Application, opts ...grpc.CallOption) (*Application, error) {
	out := new(Application)
	if err := c.cc.Invoke(ctx, methodGetOrInsertApplication, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *loggyServiceClient) GetOrInsertDevice(ctx context.Context, in *Device, opts ...grpc.CallOption) (*Device, error) {
	out := new(Device)
	if err := c.cc.Invoke(ctx, methodGetOrInsertDevice, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *loggyServiceClient) InsertSession(ctx context.Context, in *Session, opts ...grpc.CallOption) (*SessionID, error) {
	out := new(SessionID)
	if err := c.cc.Invoke(ctx, methodInsertSession, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *loggyServiceClient) RegisterSend(ctx context.Context, in *SessionID, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, methodRegisterSend, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *loggyServiceClient) Send(ctx context.Context, opts ...grpc.CallOption) (LoggyService_SendClient, error) {
	stream, err := c.cc.NewStream(ctx, &LoggyService_ServiceDesc.Streams[0], methodSend, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &loggyServiceSendClient{stream}, nil
}

// LoggyService_SendClient is the client side of the Send stream.
type LoggyService_SendClient interface {
	Send(*types.Message) error
	CloseAndRecv() (*Ack, error)
	grpc.ClientStream
}

type loggyServiceSendClient struct {
	grpc.ClientStream
}

func (x *loggyServiceSendClient) Send(m *types.Message) error {
	return x.ClientStream.SendMsg(m)
}

func (x *loggyServiceSendClient) CloseAndRecv() (*Ack, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Ack)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoggyServiceServer is the server API for LoggyService.
type LoggyServiceServer interface {
	GetOrInsertApplication(context.Context, *Application) (*Application, error)
	GetOrInsertDevice(context.Context, *Device) (*Device, error)
	InsertSession(context.Context, *Session) (*SessionID, error)
	RegisterSend(context.Context, *SessionID) (*Ack, error)
	Send(LoggyService_SendServer) error
}

// UnimplementedLoggyServiceServer can be embedded to satisfy
// LoggyServiceServer with methods that return codes.Unimplemented.
type UnimplementedLoggyServiceServer struct{}

func (UnimplementedLoggyServiceServer) GetOrInsertApplication(context.Context, *Application) (*Application, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrInsertApplication not implemented")
}

func (UnimplementedLoggyServiceServer) GetOrInsertDevice(context.Context, *Device) (*Device, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrInsertDevice not implemented")
}

func (UnimplementedLoggyServiceServer) InsertSession(context.Context, *Session) (*SessionID, error) {
	return nil, status.Error(codes.Unimplemented, "method InsertSession not implemented")
}

func (UnimplementedLoggyServiceServer) RegisterSend(context.Context, *SessionID) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterSend not implemented")
}

func (UnimplementedLoggyServiceServer) Send(LoggyService_SendServer) error {
	return status.Error(codes.Unimplemented, "method Send not implemented")
}

// RegisterLoggyServiceServer registers srv on s.
func RegisterLoggyServiceServer(s grpc.ServiceRegistrar, srv LoggyServiceServer) {
	s.RegisterService(&LoggyService_ServiceDesc, srv)
}

// LoggyService_SendServer is the server side of the Send stream.
type LoggyService_SendServer interface {
	SendAndClose(*Ack) error
	Recv() (*types.Message, error)
	grpc.ServerStream
}

type loggyServiceSendServer struct {
	grpc.ServerStream
}

func (x *loggyServiceSendServer) SendAndClose(m *Ack) error {
	return x.ServerStream.SendMsg(m)
}

func (x *loggyServiceSendServer) Recv() (*types.Message, error) {
	m := new(types.Message)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// unaryHandler adapts a typed server method to the shape grpc.MethodDesc
// expects.
func unaryHandler[Req any, Resp any](method string, call func(LoggyServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LoggyServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LoggyServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func sendHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LoggyServiceServer).Send(&loggyServiceSendServer{stream})
}

// LoggyService_ServiceDesc is the grpc.ServiceDesc for LoggyService.
var LoggyService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LoggyServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetOrInsertApplication",
			Handler:    unaryHandler(methodGetOrInsertApplication, LoggyServiceServer.GetOrInsertApplication),
		},
		{
			MethodName: "GetOrInsertDevice",
			Handler:    unaryHandler(methodGetOrInsertDevice, LoggyServiceServer.GetOrInsertDevice),
		},
		{
			MethodName: "InsertSession",
			Handler:    unaryHandler(methodInsertSession, LoggyServiceServer.InsertSession),
		},
		{
			MethodName: "RegisterSend",
			Handler:    unaryHandler(methodRegisterSend, LoggyServiceServer.RegisterSend),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Send",
			Handler:       sendHandler,
			ClientStreams: true,
		},
	},
}
