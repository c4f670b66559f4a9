package api

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the Unix socket at socketPath. The connection is lazy;
// errors surface on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in := &structpb.Struct{}
	if req != nil {
		var err error
		if in, err = toStruct(req); err != nil {
			return err
		}
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.invoke(ctx, "Status", nil, &r)
	return r, err
}

func (c *Client) ListConversations(ctx context.Context) (ConversationsReply, error) {
	var r ConversationsReply
	err := c.invoke(ctx, "ListConversations", nil, &r)
	return r, err
}

func (c *Client) Refresh(ctx context.Context) (ConversationsReply, error) {
	var r ConversationsReply
	err := c.invoke(ctx, "Refresh", nil, &r)
	return r, err
}

func (c *Client) Open(ctx context.Context, conversationID string) (MessagesReply, error) {
	var r MessagesReply
	err := c.invoke(ctx, "Open", ConversationRequest{ConversationID: conversationID}, &r)
	return r, err
}

// CloseConversation leaves the daemon's open conversation. Its cached
// history is kept.
func (c *Client) CloseConversation(ctx context.Context) error {
	return c.invoke(ctx, "Close", nil, nil)
}

func (c *Client) LoadMore(ctx context.Context) (MessagesReply, error) {
	var r MessagesReply
	err := c.invoke(ctx, "LoadMore", nil, &r)
	return r, err
}

// ListMessages returns the cached thread of conversationID, or of the open
// conversation when it is empty.
func (c *Client) ListMessages(ctx context.Context, conversationID string) (MessagesReply, error) {
	var r MessagesReply
	err := c.invoke(ctx, "ListMessages", ConversationRequest{ConversationID: conversationID}, &r)
	return r, err
}

func (c *Client) Send(ctx context.Context, conversationID, body string) (SendReply, error) {
	var r SendReply
	err := c.invoke(ctx, "Send", SendRequest{ConversationID: conversationID, Body: body}, &r)
	return r, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, "MarkRead", ConversationRequest{ConversationID: conversationID}, nil)
}

func (c *Client) GetOrCreate(ctx context.Context, peerID, taskID string) (ConversationReply, error) {
	var r ConversationReply
	err := c.invoke(ctx, "GetOrCreate", GetOrCreateRequest{PeerID: peerID, TaskID: taskID}, &r)
	return r, err
}

func (c *Client) SetToken(ctx context.Context, token string) error {
	return c.invoke(ctx, "SetToken", TokenRequest{Token: token}, nil)
}

// Watch calls fn for every change until ctx is done, the stream ends or fn
// returns an error. A canceled ctx returns nil.
func (c *Client) Watch(ctx context.Context, fn func(Change) error) error {
	desc := &grpc.StreamDesc{StreamName: watchStream.StreamName, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/"+desc.StreamName)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var change Change
		if err := fromStruct(out, &change); err != nil {
			return err
		}
		if err := fn(change); err != nil {
			return err
		}
	}
}
