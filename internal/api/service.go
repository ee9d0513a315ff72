// Package api is the gRPC control surface of the daemon. konkctl is its
// only client.
package api

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/status"
	"github.com/kontalk/konk/internal/store"
)

const defaultPageSize = 50

// Core is the messaging client the service drives.
type Core interface {
	Status() status.State
	Connect(ctx context.Context, password string) error
	Disconnect(ctx context.Context) error
	GetOrCreateSingleChat(ctx context.Context, jid model.JID) (*model.Chat, error)
	CreateAndSendMessage(ctx context.Context, chatID int64, text, attachmentPath string) (*model.Message, error)
	CreateGroupChat(ctx context.Context, jids []model.JID, subject string) (*model.Chat, error)
	LeaveGroupChat(ctx context.Context, chatID int64) error
}

type Keys interface {
	Pending() ([]store.PendingKey, error)
	Confirm(jid model.JID) error
	Decline(ctx context.Context, jid model.JID) error
}

type Store interface {
	ListChats() ([]model.Chat, error)
	ListMessages(chatID, beforeID int64, limit int) ([]model.Message, error)
}

type Account interface {
	JID() model.JID
	Key() *crypto.PersonalKey
	SetPassword(oldPass, newPass string) error
}

type Importer interface {
	FromZipFile(path, password string) error
	FromServer(ctx context.Context, url, token, password string) error
}

// Deps are the collaborators of a Service. Attachments may be nil.
type Deps struct {
	Profile     string
	Core        Core
	Keys        Keys
	Store       Store
	Account     Account
	Importer    Importer
	Attachments interface{ Pending() int }
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Service implements the Konk control service.
type Service struct {
	Deps
	startedAt time.Time
}

// NewService creates the control service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("api")
	return &Service{Deps: d, startedAt: time.Now()}
}

func (s *Service) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	resp := StatusReply{
		Profile:  s.Profile,
		State:    string(s.Core.Status()),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.Account != nil {
		resp.JID = s.Account.JID().String()
		if k := s.Account.Key(); k != nil {
			resp.Fingerprint = k.Fingerprint
		}
	}
	if chats, err := s.Store.ListChats(); err == nil {
		resp.Chats = len(chats)
	}
	if keys, err := s.Keys.Pending(); err == nil {
		resp.PendingKeys = len(keys)
	}
	if s.Attachments != nil {
		resp.PendingAttachments = s.Attachments.Pending()
	}
	return reply(resp)
}

func (s *Service) Connect(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req ConnectRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := s.Core.Connect(ctx, req.Password); err != nil {
		return nil, toStatus("connect", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) Disconnect(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.Core.Disconnect(ctx); err != nil {
		return nil, toStatus("disconnect", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.Text == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "text is required")
	}
	req.Path = ""
	return s.send(ctx, req)
}

func (s *Service) SendFile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "path is required")
	}
	return s.send(ctx, req)
}

func (s *Service) send(ctx context.Context, req SendRequest) (*structpb.Struct, error) {
	chatID := req.ChatID
	if chatID == 0 {
		jid := model.JID(req.JID)
		if !jid.IsValid() {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid JID %q", req.JID)
		}
		chat, err := s.Core.GetOrCreateSingleChat(ctx, jid.Bare())
		if err != nil {
			return nil, toStatus("open chat", err)
		}
		chatID = chat.ID
	}
	m, err := s.Core.CreateAndSendMessage(ctx, chatID, req.Text, req.Path)
	if err != nil {
		return nil, toStatus("send", err)
	}
	s.Logger.Debug("message queued", zap.Int64("chat_id", chatID), zap.Int64("id", m.ID))
	return reply(messageView(m))
}

func (s *Service) ListChats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	chats, err := s.Store.ListChats()
	if err != nil {
		return nil, toStatus("list chats", err)
	}
	resp := ChatList{Chats: make([]ChatView, 0, len(chats))}
	for i := range chats {
		resp.Chats = append(resp.Chats, chatView(&chats[i]))
	}
	return reply(resp)
}

func (s *Service) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListMessagesRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	limit := defaultPageSize
	if req.Limit > 0 {
		limit = req.Limit
	}
	msgs, err := s.Store.ListMessages(req.ChatID, req.BeforeID, limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	resp := MessageList{Messages: make([]MessageView, 0, len(msgs)), HasMore: len(msgs) == limit}
	for i := range msgs {
		resp.Messages = append(resp.Messages, messageView(&msgs[i]))
	}
	return reply(resp)
}

func (s *Service) CreateGroup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateGroupRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if len(req.JIDs) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "at least one member is required")
	}
	jids := make([]model.JID, 0, len(req.JIDs))
	for _, j := range req.JIDs {
		jid := model.JID(j)
		if !jid.IsValid() {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid JID %q", j)
		}
		jids = append(jids, jid.Bare())
	}
	chat, err := s.Core.CreateGroupChat(ctx, jids, req.Subject)
	if err != nil {
		return nil, toStatus("create group", err)
	}
	return reply(chatView(chat))
}

func (s *Service) LeaveGroup(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req ChatRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := s.Core.LeaveGroupChat(ctx, req.ChatID); err != nil {
		return nil, toStatus("leave group", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) PendingKeys(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	keys, err := s.Keys.Pending()
	if err != nil {
		return nil, toStatus("pending keys", err)
	}
	resp := KeyList{Keys: make([]KeyView, 0, len(keys))}
	for _, k := range keys {
		resp.Keys = append(resp.Keys, keyView(k))
	}
	return reply(resp)
}

func (s *Service) ConfirmKey(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req KeyDecision
	if err := request(in, &req); err != nil {
		return nil, err
	}
	jid := model.JID(req.JID)
	if !jid.IsValid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid JID %q", req.JID)
	}
	var err error
	if req.Accept {
		err = s.Keys.Confirm(jid)
	} else {
		err = s.Keys.Decline(ctx, jid)
	}
	if err != nil {
		return nil, toStatus("key decision", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) SetPassword(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req SetPasswordRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := s.Account.SetPassword(req.Old, req.New); err != nil {
		return nil, toStatus("set password", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) ImportAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ImportRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	var err error
	switch {
	case req.Path != "":
		err = s.Importer.FromZipFile(req.Path, req.Password)
	case req.URL != "" && req.Token != "":
		err = s.Importer.FromServer(ctx, req.URL, req.Token, req.Password)
	default:
		return nil, grpcstatus.Error(codes.InvalidArgument, "either path or url and token are required")
	}
	if err != nil {
		return nil, toStatus("import account", err)
	}
	s.Logger.Info("account imported", zap.String("jid", s.Account.JID().String()))
	return reply(ImportReply{JID: s.Account.JID().String()})
}

// WatchEvents streams bus events whose kind starts with the requested
// prefix until the client goes away. Slow clients miss events.
func (s *Service) WatchEvents(in *structpb.Struct, stream EventStream) error {
	var req WatchRequest
	if err := request(in, &req); err != nil {
		return err
	}
	ch, unsub := s.Bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := encode(Event{Kind: evt.Kind, At: evt.Timestamp, Payload: payloadMap(evt.Payload)})
			if err != nil {
				s.Logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func payloadMap(p any) map[string]any {
	switch v := p.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	default:
		return map[string]any{"value": fmt.Sprint(v)}
	}
}
