// Package chatsync is the synchronization core. It owns the conversation and
// message caches, applies push events to them, runs optimistic sends and
// exposes read-only projections plus the commands a UI issues.
package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/taskchat/internal/bus"
	"github.com/matheus3301/taskchat/internal/cache"
	"github.com/matheus3301/taskchat/internal/chat"
	"github.com/matheus3301/taskchat/internal/metrics"
	"github.com/matheus3301/taskchat/internal/outbox"
	"github.com/matheus3301/taskchat/internal/status"
	"github.com/matheus3301/taskchat/internal/store"
	"github.com/matheus3301/taskchat/internal/transport"
)

// API is the request side of the transport.
type API interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) (chat.MessagePage, error)
	SendMessage(ctx context.Context, conversationID, body string) (chat.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	GetOrCreate(ctx context.Context, peerID, taskID string) (chat.Conversation, error)
}

// Snapshot persists cache contents between runs. See store.DB.
type Snapshot interface {
	ReplaceConversations(snapshot []chat.Conversation) error
	UpsertConversation(c *chat.Conversation) error
	ListConversations() ([]chat.Conversation, error)
	ReplaceMessages(conversationID string, msgs []chat.Message) error
	ListMessages(conversationID string, limit int) ([]chat.Message, error)
	SetCheckpoint(key, value string) error
}

// StateSource reports the push connection state.
type StateSource interface {
	Current() status.State
}

// Op names a command for error reporting.
type Op string

const (
	OpRefresh     Op = "refresh"
	OpOpen        Op = "open"
	OpLoadMore    Op = "load_more"
	OpSend        Op = "send"
	OpMarkRead    Op = "mark_read"
	OpGetOrCreate Op = "get_or_create"
)

// Flags is the progress and error state shown next to the projections.
type Flags struct {
	LoadingConversations bool
	LoadingMessages      bool
	LoadingMore          bool
	Sending              int
	Connection           status.State
	// Errors holds the user-facing message of the last failure per command.
	// A later success of the same command clears it.
	Errors map[Op]string
}

// SendFailure is the payload of bus.KindSendFailed.
type SendFailure struct {
	TempID         string
	ConversationID string
	Body           string
	Message        string
}

// Options configures a Syncer.
type Options struct {
	SelfID       string
	SelfName     string
	PageLimit    int
	AutoMarkRead bool
	// MarkReadTimeout bounds the fire-and-forget markRead calls.
	MarkReadTimeout time.Duration
}

// Syncer serializes every cache transform behind one mutex. Network calls
// happen outside it, and their results are checked against the generation
// they were issued under before being applied.
type Syncer struct {
	mu     sync.Mutex
	opts   Options
	api    API
	snap   Snapshot
	conn   StateSource
	bus    *bus.Bus
	logger *zap.Logger

	convs  *cache.Conversations
	msgs   *cache.Messages
	outbox *outbox.Coordinator

	openID     string
	openGen    uint64
	refreshGen uint64
	// receipts counts read receipts applied per conversation.
	receipts   map[string]uint64

	loadingConvs bool
	loadingMsgs  bool
	loadingMore  bool
	sending      int
	errs         map[Op]string

	persistMu sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Syncer. snap and conn may be nil.
func New(api API, snap Snapshot, conn StateSource, b *bus.Bus, logger *zap.Logger, opts Options) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 20
	}
	if opts.MarkReadTimeout <= 0 {
		opts.MarkReadTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		opts:     opts,
		api:      api,
		snap:     snap,
		conn:     conn,
		bus:      b,
		logger:   logger,
		convs:    cache.NewConversations(),
		msgs:     cache.NewMessages(),
		outbox:   outbox.NewCoordinator(opts.SelfID, opts.SelfName, logger.Named("outbox")),
		errs:     make(map[Op]string),
		receipts: make(map[string]uint64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels background markRead calls and waits for them.
func (s *Syncer) Close() {
	s.cancel()
	s.wg.Wait()
}

// Conversations returns the conversation list, most recently updated first.
func (s *Syncer) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs.List()
}

// Conversation returns one cached conversation.
func (s *Syncer) Conversation(id string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs.Get(id)
}

// TotalUnread returns the sum of unread counts.
func (s *Syncer) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs.TotalUnread()
}

// OpenConversation returns the id of the open conversation, or "".
func (s *Syncer) OpenConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID
}

// Messages returns the open conversation's messages, oldest first.
func (s *Syncer) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openID == "" {
		return nil
	}
	return s.msgs.List(s.openID)
}

// MessagesOf returns the cached messages of any conversation.
func (s *Syncer) MessagesOf(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs.List(conversationID)
}

// HasMore reports whether older pages of the open conversation remain.
func (s *Syncer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID != "" && s.msgs.HasNextPage(s.openID)
}

// Pending returns the sends still awaiting a server response.
func (s *Syncer) Pending() []outbox.Entry {
	return s.outbox.Pending()
}

// Flags returns the current progress and error flags.
func (s *Syncer) Flags() Flags {
	s.mu.Lock()
	f := Flags{
		LoadingConversations: s.loadingConvs,
		LoadingMessages:      s.loadingMsgs,
		LoadingMore:          s.loadingMore,
		Sending:              s.sending,
		Connection:           status.Disconnected,
		Errors:               make(map[Op]string, len(s.errs)),
	}
	for op, msg := range s.errs {
		f.Errors[op] = msg
	}
	s.mu.Unlock()
	if s.conn != nil {
		f.Connection = s.conn.Current()
	}
	return f
}

// Refresh replaces the conversation list with a fresh server snapshot.
// A response overtaken by a later Refresh is discarded.
func (s *Syncer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.refreshGen++
	gen := s.refreshGen
	s.loadingConvs = true
	s.mu.Unlock()

	convs, err := s.api.ListConversations(ctx)

	s.mu.Lock()
	if gen != s.refreshGen {
		s.mu.Unlock()
		s.discard(OpRefresh)
		return nil
	}
	s.loadingConvs = false
	if err != nil {
		s.setErrorLocked(OpRefresh, err)
		s.mu.Unlock()
		s.notify(bus.KindConversationsChanged, "")
		return err
	}
	s.convs.Load(convs)
	delete(s.errs, OpRefresh)
	snapshot := s.convs.List()
	s.mu.Unlock()

	s.logger.Info("conversations loaded", zap.Int("count", len(snapshot)))
	s.notify(bus.KindConversationsChanged, "")
	s.persistConversations(snapshot)
	return nil
}

// Open makes conversationID the open conversation and fetches its newest
// page. Cached history stays visible while the fetch runs. Unread messages
// are marked read in the background.
func (s *Syncer) Open(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return &chat.ValidationError{Field: "conversation", Reason: "must not be empty"}
	}

	s.mu.Lock()
	s.openGen++
	gen := s.openGen
	s.openID = conversationID
	s.loadingMsgs = true
	s.loadingMore = false
	conv, known := s.convs.Get(conversationID)
	s.mu.Unlock()
	s.notify(bus.KindMessagesChanged, conversationID)

	if known && conv.UnreadCount > 0 {
		s.dispatchMarkRead(conversationID)
	}

	page, err := s.api.ListMessages(ctx, conversationID, 1, s.opts.PageLimit)

	s.mu.Lock()
	if gen != s.openGen {
		s.mu.Unlock()
		s.discard(OpOpen)
		return nil
	}
	s.loadingMsgs = false
	if err != nil {
		s.setErrorLocked(OpOpen, err)
		s.mu.Unlock()
		s.notify(bus.KindMessagesChanged, conversationID)
		return err
	}
	page.ConversationID = conversationID
	if page.Info.Page == 0 {
		page.Info.Page = 1
	}
	if err := s.msgs.LoadPage(page); err != nil {
		s.setErrorLocked(OpOpen, err)
		s.mu.Unlock()
		s.notify(bus.KindMessagesChanged, conversationID)
		return err
	}
	if n := s.outbox.Reattach(s.msgs, conversationID); n > 0 {
		s.logger.Debug("pending sends reattached", zap.String("conversation", conversationID), zap.Int("count", n))
	}
	delete(s.errs, OpOpen)
	s.mu.Unlock()

	s.notify(bus.KindMessagesChanged, conversationID)
	s.persistMessages(conversationID, page.Messages)
	return nil
}

// CloseConversation leaves the open conversation. Its cached pages are kept
// and in-flight fetches for it are discarded.
func (s *Syncer) CloseConversation() {
	s.mu.Lock()
	s.openGen++
	closed := s.openID
	s.openID = ""
	s.loadingMsgs = false
	s.loadingMore = false
	s.mu.Unlock()
	if closed != "" {
		s.notify(bus.KindMessagesChanged, closed)
	}
}

// LoadMore fetches the next older page of the open conversation. It is a
// no-op when no older page exists or one is already being fetched.
func (s *Syncer) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	convID := s.openID
	if convID == "" {
		s.mu.Unlock()
		return chat.ErrNoConversation
	}
	if s.loadingMore || !s.msgs.HasNextPage(convID) {
		s.mu.Unlock()
		return nil
	}
	gen := s.openGen
	next := s.msgs.PagesLoaded(convID) + 1
	s.loadingMore = true
	s.mu.Unlock()

	page, err := s.api.ListMessages(ctx, convID, next, s.opts.PageLimit)

	s.mu.Lock()
	if gen != s.openGen {
		s.mu.Unlock()
		s.discard(OpLoadMore)
		return nil
	}
	s.loadingMore = false
	if err != nil {
		s.setErrorLocked(OpLoadMore, err)
		s.mu.Unlock()
		s.notify(bus.KindMessagesChanged, convID)
		return err
	}
	page.ConversationID = convID
	if page.Info.Page == 0 {
		page.Info.Page = next
	}
	if err := s.msgs.LoadPage(page); err != nil {
		s.mu.Unlock()
		if errors.Is(err, cache.ErrPageGap) {
			// The server answered with a page that does not follow the cached ones.
			s.discard(OpLoadMore)
			return nil
		}
		return err
	}
	delete(s.errs, OpLoadMore)
	s.mu.Unlock()

	s.notify(bus.KindMessagesChanged, convID)
	return nil
}

// Send posts body to the open conversation. A placeholder is visible from
// the moment Send is called; it is swapped for the server's message on
// success and removed on failure.
func (s *Syncer) Send(ctx context.Context, body string) (chat.Message, error) {
	s.mu.Lock()
	convID := s.openID
	if convID == "" {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrNoConversation
	}
	entry, _, err := s.outbox.Begin(s.msgs, convID, body)
	if err != nil {
		s.setErrorLocked(OpSend, err)
		s.mu.Unlock()
		return chat.Message{}, err
	}
	s.sending++
	s.mu.Unlock()
	s.notify(bus.KindMessagesChanged, convID)

	server, sendErr := s.api.SendMessage(ctx, convID, body)

	s.mu.Lock()
	s.sending--
	if sendErr != nil {
		if _, err := s.outbox.Rollback(s.msgs, entry.TempID, sendErr); err != nil {
			s.logger.Error("rollback failed", zap.String("temp_id", entry.TempID), zap.Error(err))
		}
		s.setErrorLocked(OpSend, sendErr)
		s.mu.Unlock()
		metrics.OptimisticSends.WithLabelValues(string(outbox.RolledBack)).Inc()
		s.notify(bus.KindMessagesChanged, convID)
		s.publish(bus.KindSendFailed, SendFailure{
			TempID:         entry.TempID,
			ConversationID: convID,
			Body:           body,
			Message:        chat.UserMessage(sendErr),
		})
		return chat.Message{}, sendErr
	}
	if server.ConversationID == "" {
		server.ConversationID = convID
	}
	if _, err := s.outbox.Confirm(s.msgs, entry.TempID, server); err != nil {
		s.logger.Error("confirm failed", zap.String("temp_id", entry.TempID), zap.Error(err))
	}
	// Our own send never arrives as an unread event, so move the summary here.
	convChanged := s.convs.ApplyOwnMessage(server)
	delete(s.errs, OpSend)
	s.mu.Unlock()

	metrics.OptimisticSends.WithLabelValues(string(outbox.Confirmed)).Inc()
	s.notify(bus.KindMessagesChanged, convID)
	if convChanged {
		s.notify(bus.KindConversationsChanged, convID)
	}
	return server, nil
}

// MarkRead zeroes the unread count at once and tells the server. If the
// server call fails the previous count is restored, unless a read receipt
// for the conversation arrived while the call was in flight.
func (s *Syncer) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	prev, ok := s.convs.SetUnread(conversationID, 0)
	receipts := s.receipts[conversationID]
	s.mu.Unlock()
	if ok && prev > 0 {
		s.notify(bus.KindConversationsChanged, conversationID)
	}

	err := s.api.MarkRead(ctx, conversationID)

	s.mu.Lock()
	if err != nil {
		if ok && prev > 0 && s.receipts[conversationID] == receipts {
			// Messages that arrived meanwhile stay counted.
			if cur, found := s.convs.Get(conversationID); found {
				s.convs.SetUnread(conversationID, cur.UnreadCount+prev)
			}
		}
		s.setErrorLocked(OpMarkRead, err)
		s.mu.Unlock()
		s.notify(bus.KindConversationsChanged, conversationID)
		return err
	}
	delete(s.errs, OpMarkRead)
	s.mu.Unlock()
	return nil
}

// GetOrCreate returns the conversation with peerID for taskID and caches it.
func (s *Syncer) GetOrCreate(ctx context.Context, peerID, taskID string) (chat.Conversation, error) {
	conv, err := s.api.GetOrCreate(ctx, peerID, taskID)

	s.mu.Lock()
	if err != nil {
		s.setErrorLocked(OpGetOrCreate, err)
		s.mu.Unlock()
		return chat.Conversation{}, err
	}
	s.convs.Upsert(conv)
	delete(s.errs, OpGetOrCreate)
	s.mu.Unlock()

	s.notify(bus.KindConversationsChanged, conv.ID)
	if s.snap != nil {
		s.persistMu.Lock()
		if err := s.snap.UpsertConversation(&conv); err != nil {
			s.logger.Error("persist conversation", zap.String("conversation", conv.ID), zap.Error(err))
		}
		s.persistMu.Unlock()
	}
	return conv, nil
}

// Restore seeds empty caches from the snapshot so projections are populated
// before the first Refresh. It returns how many conversations were restored.
func (s *Syncer) Restore() (int, error) {
	if s.snap == nil {
		return 0, nil
	}
	convs, err := s.snap.ListConversations()
	if err != nil {
		return 0, err
	}
	threads := make(map[string][]chat.Message, len(convs))
	for _, c := range convs {
		msgs, err := s.snap.ListMessages(c.ID, s.opts.PageLimit)
		if err != nil {
			return 0, err
		}
		if len(msgs) > 0 {
			threads[c.ID] = msgs
		}
	}

	s.mu.Lock()
	if s.convs.Len() > 0 {
		s.mu.Unlock()
		return 0, nil
	}
	s.convs.Load(convs)
	for id, msgs := range threads {
		if s.msgs.Loaded(id) {
			continue
		}
		// Older pages are unknown until the conversation is opened again.
		_ = s.msgs.LoadPage(chat.MessagePage{
			ConversationID: id,
			Messages:       msgs,
			Info:           chat.PageInfo{Page: 1, Pages: 1, Limit: s.opts.PageLimit},
		})
	}
	s.mu.Unlock()

	s.logger.Info("snapshot restored", zap.Int("conversations", len(convs)), zap.Int("threads", len(threads)))
	s.notify(bus.KindConversationsChanged, "")
	return len(convs), nil
}

// ApplyNewMessage applies a pushed message to both caches.
func (s *Syncer) ApplyNewMessage(msg chat.Message) {
	s.mu.Lock()
	self := msg.SenderID != "" && msg.SenderID == s.opts.SelfID
	_, known := s.convs.Get(msg.ConversationID)
	// A message already in a cached thread was counted when it arrived.
	seen := s.msgs.Has(msg.ConversationID, msg.ID)
	var convChanged bool
	switch {
	case seen:
	case self:
		convChanged = s.convs.ApplyOwnMessage(msg)
	default:
		convChanged = s.convs.ApplyNewMessage(msg)
	}
	if known && !convChanged {
		metrics.DuplicatesSuppressed.WithLabelValues("conversations").Inc()
	}

	isOpen := msg.ConversationID == s.openID
	msgChanged := false
	if isOpen {
		msgChanged = s.msgs.ApplyNewMessage(msg)
		if !msgChanged && s.msgs.Has(msg.ConversationID, msg.ID) {
			metrics.DuplicatesSuppressed.WithLabelValues("messages").Inc()
			s.logger.Debug("duplicate message suppressed", zap.String("msg_id", msg.ID))
		}
	}
	markRead := isOpen && convChanged && !self && s.opts.AutoMarkRead
	s.mu.Unlock()

	if convChanged {
		s.notify(bus.KindConversationsChanged, msg.ConversationID)
	}
	if msgChanged {
		s.notify(bus.KindMessagesChanged, msg.ConversationID)
	}
	if markRead {
		s.dispatchMarkRead(msg.ConversationID)
	}
}

// ApplyReadReceipt zeroes the conversation's unread count and, when the
// reader is the peer, marks the current user's messages read.
func (s *Syncer) ApplyReadReceipt(r transport.ReadReceipt) {
	at := r.ReadAt
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	s.receipts[r.ConversationID]++
	convChanged := s.convs.ApplyReadReceipt(r.ConversationID)
	flipped := 0
	if r.ReaderID != s.opts.SelfID {
		flipped = s.msgs.ApplyReadReceipt(r.ConversationID, s.opts.SelfID, at)
	}
	s.mu.Unlock()

	if convChanged {
		s.notify(bus.KindConversationsChanged, r.ConversationID)
	}
	if flipped > 0 {
		s.notify(bus.KindMessagesChanged, r.ConversationID)
	}
}

// ApplyPresence flips the peer's online flag in every matching conversation.
func (s *Syncer) ApplyPresence(userID string, online bool) {
	s.mu.Lock()
	n := s.convs.ApplyPresence(userID, online)
	s.mu.Unlock()
	if n > 0 {
		s.notify(bus.KindConversationsChanged, "")
	}
}

// Resync reloads the conversation list and the open conversation's newest
// page after the push link was down. Missed events are not replayed.
func (s *Syncer) Resync(ctx context.Context) error {
	refreshErr := s.Refresh(ctx)
	if id := s.OpenConversation(); id != "" {
		if err := s.Open(ctx, id); err != nil {
			return errors.Join(refreshErr, err)
		}
	}
	return refreshErr
}

func (s *Syncer) dispatchMarkRead(conversationID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.MarkReadTimeout)
		defer cancel()
		if err := s.MarkRead(ctx, conversationID); err != nil && ctx.Err() == nil {
			s.logger.Warn("mark read failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}()
}

func (s *Syncer) setErrorLocked(op Op, err error) {
	s.errs[op] = chat.UserMessage(err)
}

func (s *Syncer) discard(op Op) {
	metrics.StaleResponses.WithLabelValues(string(op)).Inc()
	s.logger.Debug("stale response discarded", zap.String("op", string(op)))
}

func (s *Syncer) notify(kind, conversationID string) {
	s.publish(kind, conversationID)
}

func (s *Syncer) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}

func (s *Syncer) persistConversations(snapshot []chat.Conversation) {
	if s.snap == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.snap.ReplaceConversations(snapshot); err != nil {
		s.logger.Error("persist conversations", zap.Error(err))
		return
	}
	if err := s.snap.SetCheckpoint(store.KeyConversationsLoadedAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("persist checkpoint", zap.Error(err))
	}
}

func (s *Syncer) persistMessages(conversationID string, msgs []chat.Message) {
	if s.snap == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.snap.ReplaceMessages(conversationID, msgs); err != nil {
		s.logger.Error("persist messages", zap.String("conversation", conversationID), zap.Error(err))
	}
}
