package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the control service of a running daemon.
type Client struct {
	cc grpc.ClientConnInterface
}

// Dial connects to the daemon listening on the Unix socket at path.
func Dial(path string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient("unix://"+path, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// call sends req as a Struct and decodes the Struct reply into resp.
func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	var in proto.Message = &emptypb.Empty{}
	if req != nil {
		s, err := encode(req)
		if err != nil {
			return err
		}
		in = s
	}
	if resp == nil {
		return c.invoke(ctx, method, in, &emptypb.Empty{})
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, method, in, out); err != nil {
		return err
	}
	return decode(out, resp)
}

// fetch calls method and decodes the reply into a new T.
func fetch[T any](ctx context.Context, c *Client, method string, req any) (*T, error) {
	var r T
	if err := c.call(ctx, method, req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	return fetch[StatusReply](ctx, c, "Status", nil)
}

func (c *Client) Connect(ctx context.Context, password string) error {
	return c.call(ctx, "Connect", ConnectRequest{Password: password}, nil)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.call(ctx, "Disconnect", nil, nil)
}

func (c *Client) SendText(ctx context.Context, req SendRequest) (*MessageView, error) {
	return fetch[MessageView](ctx, c, "SendText", req)
}

func (c *Client) SendFile(ctx context.Context, req SendRequest) (*MessageView, error) {
	return fetch[MessageView](ctx, c, "SendFile", req)
}

func (c *Client) ListChats(ctx context.Context) (*ChatList, error) {
	return fetch[ChatList](ctx, c, "ListChats", nil)
}

func (c *Client) ListMessages(ctx context.Context, req ListMessagesRequest) (*MessageList, error) {
	return fetch[MessageList](ctx, c, "ListMessages", req)
}

func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (*ChatView, error) {
	return fetch[ChatView](ctx, c, "CreateGroup", req)
}

func (c *Client) LeaveGroup(ctx context.Context, chatID int64) error {
	return c.call(ctx, "LeaveGroup", ChatRequest{ChatID: chatID}, nil)
}

func (c *Client) PendingKeys(ctx context.Context) (*KeyList, error) {
	return fetch[KeyList](ctx, c, "PendingKeys", nil)
}

func (c *Client) ConfirmKey(ctx context.Context, jid string, accept bool) error {
	return c.call(ctx, "ConfirmKey", KeyDecision{JID: jid, Accept: accept}, nil)
}

func (c *Client) SetPassword(ctx context.Context, oldPass, newPass string) error {
	return c.call(ctx, "SetPassword", SetPasswordRequest{Old: oldPass, New: newPass}, nil)
}

func (c *Client) ImportAccount(ctx context.Context, req ImportRequest) (*ImportReply, error) {
	return fetch[ImportReply](ctx, c, "ImportAccount", req)
}

// WatchEvents calls fn for every event until ctx ends or the stream fails.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(Event)) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	in, err := encode(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := &structpb.Struct{}
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt Event
		if err := decode(out, &evt); err != nil {
			return err
		}
		fn(evt)
	}
}
