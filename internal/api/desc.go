package api

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "mktinbox.v1.InboxService"

// InboxServer is the server side of InboxService.
type InboxServer interface {
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	GetThread(context.Context, *GetThreadRequest) (*GetThreadResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	RetryMessage(context.Context, *RetryMessageRequest) (*SendMessageResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	UnreadTotal(context.Context, *UnreadTotalRequest) (*UnreadTotalResponse, error)
	OpenConversation(context.Context, *OpenConversationRequest) (*OpenConversationResponse, error)
	CloseConversation(context.Context, *CloseConversationRequest) (*CloseConversationResponse, error)
	StartConversation(context.Context, *StartConversationRequest) (*StartConversationResponse, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	Watch(*WatchRequest, WatchStream) error
}

// WatchStream is the server half of the Watch stream.
type WatchStream interface {
	Send(*Event) error
	grpc.ServerStream
}

type watchServerStream struct {
	grpc.ServerStream
}

func (x *watchServerStream) Send(m *Event) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterInboxServer registers srv on s.
func RegisterInboxServer(s grpc.ServiceRegistrar, srv InboxServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds a method handler around a typed call.
func unary[Req any, Resp any](name string, call func(InboxServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InboxServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(InboxServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InboxServer).Watch(in, &watchServerStream{stream})
}

// ServiceDesc describes InboxService for grpc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*InboxServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListConversations", InboxServer.ListConversations),
		unary("GetThread", InboxServer.GetThread),
		unary("SendMessage", InboxServer.SendMessage),
		unary("RetryMessage", InboxServer.RetryMessage),
		unary("MarkRead", InboxServer.MarkRead),
		unary("UnreadTotal", InboxServer.UnreadTotal),
		unary("OpenConversation", InboxServer.OpenConversation),
		unary("CloseConversation", InboxServer.CloseConversation),
		unary("StartConversation", InboxServer.StartConversation),
		unary("Refresh", InboxServer.Refresh),
		unary("GetStatus", InboxServer.GetStatus),
		unary("Logout", InboxServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mktinbox/v1/inbox.json",
}

// InboxClient is the client side of InboxService. Calls are sent with the
// JSON content subtype.
type InboxClient struct {
	cc grpc.ClientConnInterface
}

func NewInboxClient(cc grpc.ClientConnInterface) *InboxClient {
	return &InboxClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InboxClient) ListConversations(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c.cc, "ListConversations", in, opts)
}

func (c *InboxClient) GetThread(ctx context.Context, in *GetThreadRequest, opts ...grpc.CallOption) (*GetThreadResponse, error) {
	return invoke[GetThreadResponse](ctx, c.cc, "GetThread", in, opts)
}

func (c *InboxClient) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c.cc, "SendMessage", in, opts)
}

func (c *InboxClient) RetryMessage(ctx context.Context, in *RetryMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c.cc, "RetryMessage", in, opts)
}

func (c *InboxClient) MarkRead(ctx context.Context, in *MarkReadRequest, opts ...grpc.CallOption) (*MarkReadResponse, error) {
	return invoke[MarkReadResponse](ctx, c.cc, "MarkRead", in, opts)
}

func (c *InboxClient) UnreadTotal(ctx context.Context, in *UnreadTotalRequest, opts ...grpc.CallOption) (*UnreadTotalResponse, error) {
	return invoke[UnreadTotalResponse](ctx, c.cc, "UnreadTotal", in, opts)
}

func (c *InboxClient) OpenConversation(ctx context.Context, in *OpenConversationRequest, opts ...grpc.CallOption) (*OpenConversationResponse, error) {
	return invoke[OpenConversationResponse](ctx, c.cc, "OpenConversation", in, opts)
}

func (c *InboxClient) CloseConversation(ctx context.Context, in *CloseConversationRequest, opts ...grpc.CallOption) (*CloseConversationResponse, error) {
	return invoke[CloseConversationResponse](ctx, c.cc, "CloseConversation", in, opts)
}

func (c *InboxClient) StartConversation(ctx context.Context, in *StartConversationRequest, opts ...grpc.CallOption) (*StartConversationResponse, error) {
	return invoke[StartConversationResponse](ctx, c.cc, "StartConversation", in, opts)
}

func (c *InboxClient) Refresh(ctx context.Context, in *RefreshRequest, opts ...grpc.CallOption) (*RefreshResponse, error) {
	return invoke[RefreshResponse](ctx, c.cc, "Refresh", in, opts)
}

func (c *InboxClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	return invoke[GetStatusResponse](ctx, c.cc, "GetStatus", in, opts)
}

func (c *InboxClient) Logout(ctx context.Context, in *LogoutRequest, opts ...grpc.CallOption) (*LogoutResponse, error) {
	return invoke[LogoutResponse](ctx, c.cc, "Logout", in, opts)
}

// WatchClient receives events from a Watch stream.
type WatchClient interface {
	Recv() (*Event, error)
	grpc.ClientStream
}

type watchClientStream struct {
	grpc.ClientStream
}

func (x *watchClientStream) Recv() (*Event, error) {
	m := new(Event)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *InboxClient) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (WatchClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/Watch", opts...)
	if err != nil {
		return nil, err
	}
	x := &watchClientStream{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
