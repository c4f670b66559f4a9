// Package api is the daemon's local control surface: a gRPC service whose
// requests and replies travel as google.protobuf.Struct values.
package api

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/taskchat/internal/bus"
	"github.com/matheus3301/taskchat/internal/chat"
	"github.com/matheus3301/taskchat/internal/chatsync"
	"github.com/matheus3301/taskchat/internal/credential"
	"github.com/matheus3301/taskchat/internal/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "taskchat.v1.Control"

// ControlServer is the server API of the control service.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrCreate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchChanges(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var watchStream = grpc.StreamDesc{
	StreamName:    "WatchChanges",
	ServerStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return srv.(ControlServer).WatchChanges(in, stream)
	},
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("ListConversations", ControlServer.ListConversations),
		unary("Refresh", ControlServer.Refresh),
		unary("Open", ControlServer.Open),
		unary("Close", ControlServer.Close),
		unary("LoadMore", ControlServer.LoadMore),
		unary("ListMessages", ControlServer.ListMessages),
		unary("Send", ControlServer.Send),
		unary("MarkRead", ControlServer.MarkRead),
		unary("GetOrCreate", ControlServer.GetOrCreate),
		unary("SetToken", ControlServer.SetToken),
	},
	Streams:  []grpc.StreamDesc{watchStream},
	Metadata: "taskchat/v1/control",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Service implements ControlServer on top of the Syncer.
type Service struct {
	profile   string
	startedAt time.Time
	syncer    *chatsync.Syncer
	machine   *status.Machine
	creds     *credential.Holder
	bus       *bus.Bus

	quit     chan struct{}
	quitOnce sync.Once
}

// NewService creates the control service for one profile.
func NewService(profile string, syncer *chatsync.Syncer, machine *status.Machine, creds *credential.Holder, b *bus.Bus) *Service {
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		syncer:    syncer,
		machine:   machine,
		creds:     creds,
		bus:       b,
		quit:      make(chan struct{}),
	}
}

// Shutdown ends every open WatchChanges stream so a graceful server stop
// does not wait on them.
func (s *Service) Shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	flags := s.syncer.Flags()
	_, hasToken := s.creds.Token()
	r := StatusReply{
		Profile:          s.profile,
		State:            string(s.machine.Current()),
		StateSince:       s.machine.Since(),
		UptimeMs:         time.Since(s.startedAt).Milliseconds(),
		HasToken:         hasToken,
		Conversations:    len(s.syncer.Conversations()),
		TotalUnread:      s.syncer.TotalUnread(),
		OpenConversation: s.syncer.OpenConversation(),
		Pending:          len(s.syncer.Pending()),
	}
	if flags.LoadingConversations {
		r.Loading = append(r.Loading, string(chatsync.OpRefresh))
	}
	if flags.LoadingMessages {
		r.Loading = append(r.Loading, string(chatsync.OpOpen))
	}
	if flags.LoadingMore {
		r.Loading = append(r.Loading, string(chatsync.OpLoadMore))
	}
	if len(flags.Errors) > 0 {
		r.Errors = make(map[string]string, len(flags.Errors))
		for op, msg := range flags.Errors {
			r.Errors[string(op)] = msg
		}
	}
	return reply(r)
}

func (s *Service) ListConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(ConversationsReply{Conversations: s.syncer.Conversations()})
}

func (s *Service) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.syncer.Refresh(ctx); err != nil {
		return nil, toStatus(err)
	}
	return reply(ConversationsReply{Conversations: s.syncer.Conversations()})
}

func (s *Service) Open(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.syncer.Open(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return reply(s.openThread())
}

func (s *Service) Close(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.syncer.CloseConversation()
	return &structpb.Struct{}, nil
}

func (s *Service) LoadMore(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.syncer.LoadMore(ctx); err != nil {
		return nil, toStatus(err)
	}
	return reply(s.openThread())
}

func (s *Service) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	open := s.syncer.OpenConversation()
	if req.ConversationID == "" || req.ConversationID == open {
		if open == "" {
			return nil, toStatus(chat.ErrNoConversation)
		}
		return reply(s.openThread())
	}
	return reply(MessagesReply{
		ConversationID: req.ConversationID,
		Messages:       s.syncer.MessagesOf(req.ConversationID),
	})
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID != "" && req.ConversationID != s.syncer.OpenConversation() {
		if err := s.syncer.Open(ctx, req.ConversationID); err != nil {
			return nil, toStatus(err)
		}
	}
	msg, err := s.syncer.Send(ctx, req.Body)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(SendReply{Message: msg})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	id := req.ConversationID
	if id == "" {
		id = s.syncer.OpenConversation()
	}
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	if err := s.syncer.MarkRead(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) GetOrCreate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetOrCreateRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	conv, err := s.syncer.GetOrCreate(ctx, req.PeerID, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(ConversationReply{Conversation: conv})
}

func (s *Service) SetToken(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TokenRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	s.creds.Set(req.Token)
	return &structpb.Struct{}, nil
}

// WatchChanges streams cache and connection notifications until the client
// goes away or the service shuts down.
func (s *Service) WatchChanges(_ *structpb.Struct, stream grpc.ServerStream) error {
	cacheCh, unsubCache := s.bus.Subscribe("cache.", 256)
	defer unsubCache()
	connCh, unsubConn := s.bus.Subscribe("conn.", 64)
	defer unsubConn()

	for {
		var evt bus.Event
		select {
		case evt = <-cacheCh:
		case evt = <-connCh:
		case <-stream.Context().Done():
			return nil
		case <-s.quit:
			return nil
		}
		out, err := toStruct(changeOf(evt))
		if err != nil {
			return grpcstatus.Errorf(codes.Internal, "encode change: %v", err)
		}
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
}

func (s *Service) openThread() MessagesReply {
	id := s.syncer.OpenConversation()
	return MessagesReply{
		ConversationID: id,
		Messages:       s.syncer.Messages(),
		HasMore:        s.syncer.HasMore(),
	}
}

func changeOf(evt bus.Event) Change {
	c := Change{Kind: evt.Kind, At: evt.Timestamp}
	switch p := evt.Payload.(type) {
	case string:
		c.ConversationID = p
	case chatsync.SendFailure:
		c.ConversationID = p.ConversationID
		c.Error = p.Message
	case status.StatusChange:
		c.State = string(p.To)
		c.Resumed = p.Resumed
	}
	return c
}
