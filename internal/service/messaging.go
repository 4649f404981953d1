// Package service provides the realtime messaging engine: routing, presence
// hooks, typing signals, retraction and history.
package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"skillchat/internal/cache"
	"skillchat/internal/models"
	"skillchat/internal/notifications"
	"skillchat/internal/observability"
	"skillchat/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

const (
	maxMessageContentLen = 10000 // 10K characters
	maxAttachmentURLLen  = 2048

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	defaultCompletionTimeout = 20 * time.Second
	defaultFallbackText      = "Sorry, I'm having trouble answering right now. Please try again in a moment."

	presenceHookTimeout = 10 * time.Second
)

// Routing branches, used as metric labels and in SendResult.
const (
	BranchBot         = "bot"
	BranchHumanInRoom = "human_in_room"
	BranchNotified    = "human_notified"
)

// Options tunes a MessagingService.
type Options struct {
	CompletionTimeout time.Duration
	FallbackText      string
	Roles             *RoleResolver
	ConversationCache *cache.ConversationCache
	Now               func() time.Time
}

// MessagingService is the message routing engine together with the presence,
// typing and retraction flows that surround it.
type MessagingService struct {
	chatRepo  repository.ChatRepository
	userRepo  repository.UserRepository
	registry  *notifications.Registry
	completer Completer

	roles             *RoleResolver
	convCache         *cache.ConversationCache
	locks             *KeyedMutex
	completionTimeout time.Duration
	fallbackText      string
	now               func() time.Time
}

// SendInput is one inbound send-message request.
type SendInput struct {
	ConversationID uint
	SenderID       uint
	Text           string
	AttachmentURL  string
}

// SendResult reports what a send persisted.
type SendResult struct {
	Message *models.Message
	// Reply is the bot's answer (or fallback) on the bot branch.
	Reply  *models.Message
	Branch string
}

// DeleteInput is one inbound delete-message request.
type DeleteInput struct {
	MessageID      uint
	ConversationID uint
	RequesterID    uint
	DeleteFrom     []uint
}

// NewMessagingService wires the engine and subscribes it to presence transitions.
func NewMessagingService(
	chatRepo repository.ChatRepository,
	userRepo repository.UserRepository,
	registry *notifications.Registry,
	completer Completer,
	opts Options,
) *MessagingService {
	s := &MessagingService{
		chatRepo:          chatRepo,
		userRepo:          userRepo,
		registry:          registry,
		completer:         completer,
		roles:             opts.Roles,
		convCache:         opts.ConversationCache,
		locks:             NewKeyedMutex(),
		completionTimeout: opts.CompletionTimeout,
		fallbackText:      opts.FallbackText,
		now:               opts.Now,
	}
	if s.roles == nil {
		s.roles = &RoleResolver{}
	}
	if s.convCache == nil {
		s.convCache = cache.NewConversationCache(time.Minute)
	}
	if s.completionTimeout <= 0 {
		s.completionTimeout = defaultCompletionTimeout
	}
	if s.fallbackText == "" {
		s.fallbackText = defaultFallbackText
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.completer == nil {
		s.completer = CompleterFunc(func(context.Context, string) (string, error) {
			return "", ErrCompletionUnavailable
		})
	}
	if registry != nil {
		registry.Presence().SetCallbacks(s.handleUserOnline, s.handleUserOffline)
	}
	return s
}

// Registry exposes the presence registry the service emits through.
func (s *MessagingService) Registry() *notifications.Registry { return s.registry }

// Setup associates c with userID and acknowledges with "user setup".
func (s *MessagingService) Setup(ctx context.Context, c *notifications.Client, userID uint) error {
	if userID == 0 {
		return models.NewValidationError("userId is required")
	}
	if _, err := s.registry.Register(ctx, c, userID); err != nil {
		switch {
		case errors.Is(err, notifications.ErrIdentityMismatch):
			return models.NewForbiddenError("Connection is already set up for another user")
		case errors.Is(err, notifications.ErrUserLimit):
			return &models.AppError{Code: models.CodeRateLimited, Message: "Too many connections for this user", Err: err}
		default:
			return models.NewInternalError(err)
		}
	}
	c.TrySend(notifications.MustEncode(notifications.EventUserSetup, notifications.UserSetupPayload{UserID: userID}))
	return nil
}

func (s *MessagingService) handleUserOnline(userID uint) {
	s.announcePresence(userID, true)
}

func (s *MessagingService) handleUserOffline(userID uint) {
	s.announcePresence(userID, false)
}

// announcePresence persists the transition and tells co-members in every
// shared conversation room.
func (s *MessagingService) announcePresence(userID uint, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceHookTimeout)
	defer cancel()

	if s.userRepo != nil {
		if err := s.userRepo.SetPresence(ctx, userID, online, s.now()); err != nil && !models.IsNotFound(err) {
			observability.LogAsyncOperationError(ctx, "set_presence", err, map[string]interface{}{"user_id": userID, "online": online})
		}
	}

	convIDs, err := s.chatRepo.GetUserConversationIDs(ctx, userID)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "presence_conversations", err, map[string]interface{}{"user_id": userID})
		return
	}

	event := notifications.EventReceiverOffline
	if online {
		event = notifications.EventReceiverOnline
	}
	distributed := s.registry.Distributed()
	for _, convID := range convIDs {
		if !distributed && !s.registry.HasRoomListeners(convID) {
			continue
		}
		s.registry.BroadcastToOthers(ctx, convID, notifications.MustEncode(event, notifications.PresencePayload{
			UserID:         userID,
			ConversationID: convID,
		}), userID)
	}
}

// conversation returns the membership snapshot for id, served from cache when possible.
func (s *MessagingService) conversation(ctx context.Context, id uint) (*models.Conversation, error) {
	if conv, ok := s.convCache.Get(id); ok {
		return conv, nil
	}
	conv, err := s.chatRepo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.convCache.Put(conv)
	return conv, nil
}

func validateSend(in *SendInput) error {
	in.Text = strings.TrimSpace(in.Text)
	in.AttachmentURL = strings.TrimSpace(in.AttachmentURL)
	switch {
	case in.ConversationID == 0:
		return models.NewValidationError("conversationId is required")
	case in.SenderID == 0:
		return models.NewValidationError("senderId is required")
	case in.Text == "" && in.AttachmentURL == "":
		return models.NewValidationError("Message text or image is required")
	case utf8.RuneCountInString(in.Text) > maxMessageContentLen:
		return models.NewValidationError("Message content too long (max 10000 characters)")
	case len(in.AttachmentURL) > maxAttachmentURLLen:
		return models.NewValidationError("Image URL too long")
	}
	return nil
}

// Send routes one message: validate, resolve the conversation, classify the
// peer, persist, update the summary and deliver.
func (s *MessagingService) Send(ctx context.Context, in SendInput) (res *SendResult, err error) {
	span, ctx := observability.StartSpan(ctx, "messaging.send",
		attribute.Int64("conversation.id", int64(in.ConversationID)),
		attribute.Int64("sender.id", int64(in.SenderID)),
	)
	defer func() {
		if err != nil {
			span.SetError(err)
			observability.SendFailures.WithLabelValues(models.ErrorCode(err)).Inc()
		} else {
			span.AddAttributes(attribute.String("branch", res.Branch))
			observability.MessagesRouted.WithLabelValues(res.Branch).Inc()
		}
		span.End()
	}()

	if err := validateSend(&in); err != nil {
		return nil, err
	}

	conv, err := s.conversation(ctx, in.ConversationID)
	if err != nil {
		if models.IsNotFound(err) {
			log.Printf("send: conversation %d not found (sender %d)", in.ConversationID, in.SenderID)
		}
		return nil, err
	}
	sender := conv.Member(in.SenderID)
	if sender == nil {
		return nil, models.NewForbiddenError("You are not a member of this conversation")
	}

	if bot := conv.BotPeer(in.SenderID); bot != nil {
		return s.sendToBot(ctx, conv, sender, bot, in)
	}
	return s.sendToHumans(ctx, conv, sender, in)
}

func (s *MessagingService) newMessage(conv *models.Conversation, from *models.ConversationMember, text, attachment string) *models.Message {
	return &models.Message{
		ConversationID: conv.ID,
		SenderID:       from.UserID,
		Text:           text,
		AttachmentURL:  attachment,
		CreatedAt:      s.now(),
	}
}

// persist stores msg and moves the conversation summary forward.
func (s *MessagingService) persist(ctx context.Context, msg *models.Message, sender *models.ConversationMember) error {
	if err := s.chatRepo.CreateMessage(ctx, msg); err != nil {
		return err
	}
	msg.Sender = sender.User
	return s.chatRepo.UpdateLatestMessage(ctx, msg.ConversationID, msg.Preview(), msg.CreatedAt)
}

func (s *MessagingService) broadcastMessage(ctx context.Context, msg *models.Message) {
	s.registry.BroadcastToRoom(ctx, msg.ConversationID, notifications.MustEncode(notifications.EventReceiveMessage, msg), "")
}

func (s *MessagingService) sendToHumans(ctx context.Context, conv *models.Conversation, sender *models.ConversationMember, in SendInput) (*SendResult, error) {
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	msg := s.newMessage(conv, sender, in.Text, in.AttachmentURL)
	var absent []uint
	for _, peer := range conv.Peers(in.SenderID) {
		if s.registry.IsUserInRoom(ctx, peer.UserID, conv.ID) {
			msg.SeenBy = append(msg.SeenBy, models.MessageSeen{UserID: peer.UserID, SeenAt: msg.CreatedAt})
		} else {
			absent = append(absent, peer.UserID)
		}
	}

	if err := s.chatRepo.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	msg.Sender = sender.User
	for _, userID := range absent {
		if err := s.chatRepo.IncrementUnread(ctx, conv.ID, userID, 1); err != nil {
			return nil, err
		}
	}
	if err := s.chatRepo.UpdateLatestMessage(ctx, conv.ID, msg.Preview(), msg.CreatedAt); err != nil {
		return nil, err
	}

	s.broadcastMessage(ctx, msg)

	branch := BranchHumanInRoom
	if len(absent) > 0 {
		branch = BranchNotified
		s.notifyAbsent(ctx, conv.ID, absent, msg)
	}
	return &SendResult{Message: msg, Branch: branch}, nil
}

// notifyAbsent emits new-message-notification on each absent member's personal channel.
func (s *MessagingService) notifyAbsent(ctx context.Context, convID uint, userIDs []uint, msg *models.Message) {
	fresh, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "notify_absent", err, map[string]interface{}{"conversation_id": convID})
		fresh = &models.Conversation{ID: convID, LatestMessage: msg.Preview(), LatestMessageAt: &msg.CreatedAt}
	}
	for _, userID := range userIDs {
		summary := summarize(fresh, userID)
		s.registry.SendToUser(ctx, userID, notifications.MustEncode(notifications.EventNewMessageNotice, notifications.NewMessageNotice{
			ConversationID: convID,
			Conversation:   summary,
			Text:           msg.Preview(),
		}))
	}
}

func summarize(conv *models.Conversation, userID uint) notifications.ConversationSummary {
	summary := notifications.ConversationSummary{
		ID:              conv.ID,
		Name:            conv.Name,
		IsGroup:         conv.IsGroup,
		LatestMessage:   conv.LatestMessage,
		LatestMessageAt: conv.LatestMessageAt,
	}
	if m := conv.Member(userID); m != nil {
		summary.UnreadCount = m.UnreadCount
	}
	return summary
}

// sendToBot persists the user's message, asks the completion backend for a
// reply without holding the conversation lock, and persists the reply or the
// fallback text.
func (s *MessagingService) sendToBot(ctx context.Context, conv *models.Conversation, sender, bot *models.ConversationMember, in SendInput) (*SendResult, error) {
	unlock := s.locks.Lock(conv.ID)
	msg := s.newMessage(conv, sender, in.Text, in.AttachmentURL)
	// The bot consumes the message immediately, so its unread counter stays at zero.
	msg.SeenBy = []models.MessageSeen{
		{UserID: sender.UserID, SeenAt: msg.CreatedAt},
		{UserID: bot.UserID, SeenAt: msg.CreatedAt},
	}
	if err := s.persist(ctx, msg, sender); err != nil {
		unlock()
		return nil, err
	}
	s.broadcastMessage(ctx, msg)
	typing := notifications.TypingPayload{ConversationID: conv.ID, Typer: bot.UserID}
	s.registry.BroadcastToRoom(ctx, conv.ID, notifications.MustEncode(notifications.EventTyping, typing), "")
	unlock()

	replyText := s.complete(ctx, in.Text)

	unlock = s.locks.Lock(conv.ID)
	defer unlock()
	defer s.registry.BroadcastToRoom(ctx, conv.ID, notifications.MustEncode(notifications.EventStopTyping, typing), "")

	reply := s.newMessage(conv, bot, replyText, "")
	watching := s.registry.IsUserInRoom(ctx, sender.UserID, conv.ID)
	if watching {
		reply.SeenBy = []models.MessageSeen{{UserID: sender.UserID, SeenAt: reply.CreatedAt}}
	}
	if err := s.persist(ctx, reply, bot); err != nil {
		return &SendResult{Message: msg, Branch: BranchBot}, err
	}
	if !watching {
		if err := s.chatRepo.IncrementUnread(ctx, conv.ID, sender.UserID, 1); err != nil {
			return &SendResult{Message: msg, Reply: reply, Branch: BranchBot}, err
		}
	}
	s.broadcastMessage(ctx, reply)
	return &SendResult{Message: msg, Reply: reply, Branch: BranchBot}, nil
}

// complete returns the bot reply for prompt, or the fallback text on any
// failure including timeout.
func (s *MessagingService) complete(ctx context.Context, prompt string) string {
	if prompt == "" {
		observability.CompletionResults.WithLabelValues("skipped").Inc()
		return s.fallbackText
	}

	span, ctx := observability.StartSpan(ctx, "messaging.completion")
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	defer cancel()

	start := time.Now()
	reply, err := s.completer.Complete(cctx, prompt)
	observability.CompletionLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && strings.TrimSpace(reply) != "":
		observability.CompletionResults.WithLabelValues("ok").Inc()
		return strings.TrimSpace(reply)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded):
		observability.CompletionResults.WithLabelValues("timeout").Inc()
		span.SetError(context.DeadlineExceeded)
	default:
		if err == nil {
			err = errors.New("empty completion")
		}
		observability.CompletionResults.WithLabelValues("error").Inc()
		span.SetError(err)
	}
	observability.LogAsyncOperationError(ctx, "completion", errOrTimeout(err), nil)
	return s.fallbackText
}

func errOrTimeout(err error) error {
	if err == nil {
		return context.DeadlineExceeded
	}
	return err
}

// JoinRoom adds c to the conversation room, zeroes the user's unread counter,
// marks prior messages seen and announces the join. Counter and seen-state
// failures are logged and do not undo the transport-level join.
func (s *MessagingService) JoinRoom(ctx context.Context, c *notifications.Client, convID uint) error {
	if c.UserID == 0 {
		return models.NewUnauthorizedError("setup is required before joining a conversation")
	}
	if convID == 0 {
		return models.NewValidationError("roomId is required")
	}
	userID := c.UserID

	// Ids are sequential, so a room is only joined once membership is proven;
	// otherwise a listener could wait on an id that does not exist yet.
	conv, err := s.conversation(ctx, convID)
	if err != nil {
		if models.IsNotFound(err) {
			return err
		}
		observability.LogAsyncOperationError(ctx, "join_room_lookup", err, map[string]interface{}{"conversation_id": convID, "user_id": userID})
		return models.NewUnavailableError("Conversation lookup failed, try joining again", err)
	}
	if !conv.HasMember(userID) {
		return models.NewForbiddenError("You are not a member of this conversation")
	}

	s.registry.JoinRoom(ctx, c, convID)

	unlock := s.locks.Lock(convID)
	if err := s.chatRepo.ResetUnread(ctx, convID, userID); err != nil {
		observability.LogAsyncOperationError(ctx, "reset_unread", err, map[string]interface{}{"conversation_id": convID, "user_id": userID})
	}
	if _, err := s.chatRepo.MarkConversationSeen(ctx, convID, userID, s.now()); err != nil {
		observability.LogAsyncOperationError(ctx, "mark_conversation_seen", err, map[string]interface{}{"conversation_id": convID, "user_id": userID})
	}
	unlock()

	s.registry.BroadcastToRoom(ctx, convID, notifications.MustEncode(notifications.EventUserJoinedRoom, notifications.RoomJoinedPayload{
		UserID:         userID,
		ConversationID: convID,
	}), c.ID)
	return nil
}

// LeaveRoom removes c from the conversation room.
func (s *MessagingService) LeaveRoom(ctx context.Context, c *notifications.Client, convID uint) error {
	if convID == 0 {
		return models.NewValidationError("roomId is required")
	}
	s.registry.LeaveRoom(ctx, c, convID)
	return nil
}

// Typing relays typing or stop-typing to the other sessions in the room. The
// typer is always the connection's own user.
func (s *MessagingService) Typing(ctx context.Context, c *notifications.Client, convID uint, stop bool) error {
	if c.UserID == 0 {
		return models.NewUnauthorizedError("setup is required before typing")
	}
	if convID == 0 {
		return models.NewValidationError("conversationId is required")
	}
	if !s.registry.InRoom(c, convID) {
		return models.NewForbiddenError("Join the conversation before typing")
	}
	event := notifications.EventTyping
	if stop {
		event = notifications.EventStopTyping
	}
	s.registry.BroadcastToRoom(ctx, convID, notifications.MustEncode(event, notifications.TypingPayload{
		ConversationID: convID,
		Typer:          c.UserID,
	}), c.ID)
	return nil
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// DeleteMessage unions DeleteFrom into the message's retraction set. Deleting
// for more than one user broadcasts message-deleted to the room.
func (s *MessagingService) DeleteMessage(ctx context.Context, in DeleteInput) (err error) {
	span, ctx := observability.StartSpan(ctx, "messaging.delete",
		attribute.Int64("message.id", int64(in.MessageID)),
		attribute.Int64("requester.id", int64(in.RequesterID)),
	)
	defer func() {
		span.SetError(err)
		span.End()
	}()

	if in.MessageID == 0 {
		return models.NewValidationError("messageId is required")
	}
	ids := uniqueIDs(in.DeleteFrom)
	if len(ids) == 0 {
		return models.NewValidationError("deleteFrom must name at least one user")
	}

	msg, err := s.chatRepo.GetMessage(ctx, in.MessageID)
	if err != nil {
		return err
	}
	if in.ConversationID != 0 && in.ConversationID != msg.ConversationID {
		return models.NewValidationError("Message does not belong to this conversation")
	}

	requesterListed := false
	for _, id := range ids {
		if id == in.RequesterID {
			requesterListed = true
			break
		}
	}
	if !requesterListed {
		return models.NewForbiddenError("deleteFrom must include the requesting user")
	}

	conv, err := s.conversation(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !conv.HasMember(id) {
			return models.NewForbiddenError("deleteFrom may only name conversation members")
		}
	}

	unlock := s.locks.Lock(conv.ID)
	defer unlock()
	if err := s.chatRepo.AddRetractions(ctx, msg.ID, ids, s.now()); err != nil {
		return err
	}

	if len(ids) > 1 {
		s.registry.BroadcastToRoom(ctx, conv.ID, notifications.MustEncode(notifications.EventMessageDeleted, notifications.MessageDeletedPayload{
			MessageID:      msg.ID,
			ConversationID: conv.ID,
		}), "")
	}
	return nil
}

// History returns a page of messages visible to userID, oldest first, and
// marks those from other senders as seen by userID.
func (s *MessagingService) History(ctx context.Context, convID, userID uint, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	conv, err := s.conversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(userID) {
		return nil, models.NewForbiddenError("You are not a member of this conversation")
	}

	messages, err := s.chatRepo.GetMessagesForUser(ctx, convID, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var unseen []uint
	for _, m := range messages {
		if m.SenderID != userID && !m.IsSeenBy(userID) {
			unseen = append(unseen, m.ID)
			m.SeenBy = append(m.SeenBy, models.MessageSeen{MessageID: m.ID, UserID: userID, SeenAt: now})
		}
	}
	if len(unseen) == 0 {
		return messages, nil
	}

	unlock := s.locks.Lock(convID)
	defer unlock()
	if err := s.chatRepo.MarkSeen(ctx, userID, unseen, now); err != nil {
		return nil, err
	}
	if count, err := s.chatRepo.CountUnseen(ctx, convID, userID); err == nil {
		if err := s.chatRepo.SetUnread(ctx, convID, userID, int(count)); err != nil {
			observability.LogAsyncOperationError(ctx, "history_set_unread", err, map[string]interface{}{"conversation_id": convID})
		}
	}
	return messages, nil
}

// OpenDirect finds or creates the 1:1 conversation between userID and peerID.
func (s *MessagingService) OpenDirect(ctx context.Context, userID, peerID uint) (*models.Conversation, error) {
	if peerID == 0 {
		return nil, models.NewValidationError("peer_id is required")
	}
	if userID == peerID {
		return nil, models.NewValidationError("Cannot open a conversation with yourself")
	}

	conv, err := s.chatRepo.FindDirectConversation(ctx, userID, peerID)
	if err == nil {
		return conv, nil
	}
	if !models.IsNotFound(err) {
		return nil, err
	}

	users, err := s.userRepo.GetByIDs(ctx, []uint{userID, peerID})
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}
	for _, id := range []uint{userID, peerID} {
		if byID[id] == nil {
			return nil, models.NewNotFoundError("User", id)
		}
	}

	conv = &models.Conversation{IsGroup: false, CreatedBy: userID}
	if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	for _, id := range []uint{userID, peerID} {
		if err := s.chatRepo.AddMember(ctx, conv.ID, id, s.roles.Resolve(byID[id])); err != nil {
			return nil, err
		}
	}
	s.convCache.Invalidate(conv.ID)
	return s.chatRepo.GetConversation(ctx, conv.ID)
}

// ListConversations returns userID's conversations, most recent first.
func (s *MessagingService) ListConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	return s.chatRepo.GetUserConversations(ctx, userID)
}
