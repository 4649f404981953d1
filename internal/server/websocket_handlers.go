package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"skillchat/internal/middleware"
	"skillchat/internal/models"
	"skillchat/internal/notifications"
	"skillchat/internal/observability"
	"skillchat/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	// eventTimeout bounds every inbound event except send-message.
	eventTimeout = 10 * time.Second
	// sendGrace is added to the completion timeout for send-message.
	sendGrace = 15 * time.Second
	// pendingSends is how many send-message events a connection may queue.
	pendingSends = 32
)

// WebSocketUpgrade rejects plain HTTP requests on the realtime endpoint.
func (s *Server) WebSocketUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("autoSetup", c.QueryBool("autosetup"))
	return c.Next()
}

// WebSocketChatHandler serves the realtime protocol on an authenticated connection.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		authID, _ := conn.Locals("userID").(uint)
		if authID == 0 {
			log.Printf("WebSocket Chat: Unauthenticated connection attempt")
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame(notifications.EventError, "", models.NewUnauthorizedError("unauthorized")))
			_ = conn.Close()
			return
		}

		client, err := s.registry.Attach(conn)
		if err != nil {
			log.Printf("WebSocket Chat: rejecting user %d: %v", authID, err)
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame(notifications.EventError, "", models.NewUnavailableError("Server is at capacity", err)))
			_ = conn.Close()
			return
		}

		sess := s.newSession(client, authID)
		defer sess.close()
		client.IncomingHandler = sess.handle

		if auto, _ := conn.Locals("autoSetup").(bool); auto {
			sess.dispatch(notifications.Event{Name: notifications.EventSetup})
		}

		go client.WritePump()
		client.ReadPump()
	})
}

// session is the per-connection protocol state. Inbound events are handled on
// the read goroutine except send-message, which runs on a per-session worker
// so a slow completion never stalls typing or joins while sends stay ordered.
type session struct {
	srv    *Server
	client *notifications.Client
	authID uint
	ctx    context.Context
	wsLog  *observability.WSLogger

	sends     chan sendMessageRequest
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *Server) newSession(client *notifications.Client, authID uint) *session {
	ctx := observability.WithCorrelationID(s.shutdownCtx, client.ID)
	ctx = context.WithValue(ctx, observability.UserID, authID)
	sess := &session{
		srv:    s,
		client: client,
		authID: authID,
		ctx:    ctx,
		wsLog:  observability.NewWSLogger(s.registry.Name()),
		sends:  make(chan sendMessageRequest, pendingSends),
	}
	sess.wg.Add(1)
	go sess.sendLoop()
	return sess
}

// close stops the send worker after draining queued sends.
func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.sends)
	})
	sess.wg.Wait()
}

func (sess *session) sendLoop() {
	defer sess.wg.Done()
	for req := range sess.sends {
		sess.guard(notifications.EventSendMessage, func() error {
			return sess.send(req)
		})
	}
}

// handle is the IncomingHandler for the client.
func (sess *session) handle(_ *notifications.Client, raw []byte) {
	var ev notifications.Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Name == "" {
		sess.reply(notifications.EventError, "", models.NewValidationError("Invalid event format"))
		return
	}
	sess.dispatch(ev)
}

func (sess *session) dispatch(ev notifications.Event) {
	observability.WebSocketEventsTotal.WithLabelValues(ev.Name).Inc()
	sess.wsLog.LogEvent(sess.ctx, sess.client.UserID, sess.client.ID, ev.Name)

	if ev.Name == notifications.EventSendMessage {
		sess.enqueueSend(ev.Data)
		return
	}
	sess.guard(ev.Name, func() error {
		ctx, cancel := context.WithTimeout(sess.ctx, eventTimeout)
		defer cancel()
		return sess.route(ctx, ev)
	})
}

// guard runs fn, turning errors and panics into an acknowledgment so one bad
// event never closes the connection.
func (sess *session) guard(event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WebSocket: panic handling %s for conn %s: %v\n%s", event, sess.client.ID, r, debug.Stack())
			sess.reply(ackEvent(event), event, models.NewInternalError(fmt.Errorf("panic: %v", r)))
		}
	}()
	if err := fn(); err != nil {
		if models.ErrorCode(err) == models.CodeInternal {
			sess.wsLog.LogError(sess.ctx, sess.client.UserID, sess.client.ID, err, event)
		}
		sess.reply(ackEvent(event), event, err)
	}
}

func ackEvent(event string) string {
	if event == notifications.EventSendMessage {
		return notifications.EventSendFailed
	}
	return notifications.EventError
}

func (sess *session) reply(name, event string, err error) {
	sess.client.TrySend(errorFrame(name, event, err))
}

func errorFrame(name, event string, err error) []byte {
	code := models.ErrorCode(err)
	msg := "Internal server error"
	var appErr *models.AppError
	if errors.As(err, &appErr) && code != models.CodeInternal {
		msg = appErr.Message
	}
	return notifications.MustEncode(name, notifications.ErrorAck{Event: event, Code: code, Message: msg})
}

func (sess *session) requireSetup() error {
	if sess.client.UserID == 0 {
		return models.NewUnauthorizedError("setup is required first")
	}
	return nil
}

// checkIdentity rejects payload identities that differ from the connection's user.
func (sess *session) checkIdentity(claimed flexID, field string) error {
	if claimed != 0 && uint(claimed) != sess.client.UserID {
		return models.NewForbiddenError(field + " does not match the connected user")
	}
	return nil
}

func (sess *session) route(ctx context.Context, ev notifications.Event) error {
	svc := sess.srv.messaging
	switch ev.Name {
	case notifications.EventSetup:
		var userID uint
		if len(ev.Data) > 0 {
			var err error
			if userID, err = decodeSetup(ev.Data); err != nil {
				return models.NewValidationError("userId must be a numeric id")
			}
		}
		if userID == 0 {
			userID = sess.authID
		}
		if userID != sess.authID {
			return models.NewForbiddenError("userId does not match the authenticated user")
		}
		return svc.Setup(ctx, sess.client, userID)

	case notifications.EventJoinChat, notifications.EventLeaveChat:
		if err := sess.requireSetup(); err != nil {
			return err
		}
		req, err := decodeRoom(ev.Data)
		if err != nil {
			return models.NewValidationError("roomId must be a numeric id")
		}
		if err := sess.checkIdentity(req.UserID, "userId"); err != nil {
			return err
		}
		if ev.Name == notifications.EventLeaveChat {
			return svc.LeaveRoom(ctx, sess.client, req.room())
		}
		return svc.JoinRoom(ctx, sess.client, req.room())

	case notifications.EventTyping, notifications.EventStopTyping:
		if err := sess.requireSetup(); err != nil {
			return err
		}
		var req typingRequest
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			return models.NewValidationError("Invalid typing payload")
		}
		if err := sess.checkIdentity(req.Typer, "typer"); err != nil {
			return err
		}
		if ev.Name == notifications.EventTyping && !sess.allowTyping(ctx) {
			return nil
		}
		return svc.Typing(ctx, sess.client, uint(req.ConversationID), ev.Name == notifications.EventStopTyping)

	case notifications.EventDeleteMessage:
		if err := sess.requireSetup(); err != nil {
			return err
		}
		var req deleteMessageRequest
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			return models.NewValidationError("Invalid delete-message payload")
		}
		return svc.DeleteMessage(ctx, service.DeleteInput{
			MessageID:      uint(req.MessageID),
			ConversationID: uint(req.ConversationID),
			RequesterID:    sess.client.UserID,
			DeleteFrom:     toIDs(req.DeleteFrom),
		})

	default:
		return models.NewValidationError("Unknown event " + ev.Name)
	}
}

// allowTyping throttles typing indicators per user; spammy ones are dropped silently.
func (sess *session) allowTyping(ctx context.Context) bool {
	d, err := middleware.Allow(ctx, sess.srv.redis, middleware.TypingRule, fmt.Sprintf("user:%d", sess.client.UserID))
	if err != nil {
		return true
	}
	return d.Allowed
}

func (sess *session) enqueueSend(raw json.RawMessage) {
	sess.guard(notifications.EventSendMessage, func() error {
		if err := sess.requireSetup(); err != nil {
			return err
		}
		var req sendMessageRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return models.NewValidationError("Invalid send-message payload")
		}
		if err := sess.checkIdentity(req.SenderID, "senderId"); err != nil {
			return err
		}
		select {
		case sess.sends <- req:
			return nil
		default:
			observability.WebSocketBackpressureDrops.WithLabelValues(sess.srv.registry.Name(), "send_queue").Inc()
			return &models.AppError{Code: models.CodeRateLimited, Message: "Too many pending messages, slow down"}
		}
	})
}

func (sess *session) send(req sendMessageRequest) error {
	ctx, cancel := context.WithTimeout(sess.ctx, sess.srv.config.CompletionTimeout+sendGrace)
	defer cancel()
	_, err := sess.srv.messaging.Send(ctx, service.SendInput{
		ConversationID: uint(req.ConversationID),
		SenderID:       sess.client.UserID,
		Text:           req.Text,
		AttachmentURL:  req.ImageURL,
	})
	return err
}
