// Package notifications provides the realtime presence registry, connection
// pumps, and cross-instance fan-out for chat events.
package notifications

import (
	"encoding/json"
	"log"
	"time"
)

// Inbound client events.
const (
	EventSetup         = "setup"
	EventJoinChat      = "join-chat"
	EventLeaveChat     = "leave-chat"
	EventSendMessage   = "send-message"
	EventTyping        = "typing"
	EventStopTyping    = "stop-typing"
	EventDeleteMessage = "delete-message"
)

// Outbound server events.
const (
	EventUserSetup        = "user setup"
	EventReceiverOnline   = "receiver-online"
	EventReceiverOffline  = "receiver-offline"
	EventUserJoinedRoom   = "user-joined-room"
	EventReceiveMessage   = "receive-message"
	EventNewMessageNotice = "new-message-notification"
	EventMessageDeleted   = "message-deleted"
	EventSendFailed       = "send-failed"
	EventError            = "error"
	EventMessagesDropped  = "messages-dropped"
	EventServerShutdown   = "server-shutdown"
)

// Event is the wire envelope for every realtime frame in both directions.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorAck is the payload of send-failed and error acknowledgments.
type ErrorAck struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresencePayload is carried by receiver-online and receiver-offline.
type PresencePayload struct {
	UserID         uint `json:"userId"`
	ConversationID uint `json:"conversationId"`
}

// UserSetupPayload acknowledges setup.
type UserSetupPayload struct {
	UserID uint `json:"userId"`
}

// TypingPayload is carried by typing and stop-typing in both directions.
type TypingPayload struct {
	ConversationID uint `json:"conversationId"`
	Typer          uint `json:"typer"`
}

// RoomJoinedPayload is carried by user-joined-room.
type RoomJoinedPayload struct {
	UserID         uint `json:"userId"`
	ConversationID uint `json:"conversationId"`
}

// MessageDeletedPayload is carried by message-deleted.
type MessageDeletedPayload struct {
	MessageID      uint `json:"messageId"`
	ConversationID uint `json:"conversationId"`
}

// ConversationSummary is the list-row view of a conversation sent with notifications.
type ConversationSummary struct {
	ID              uint       `json:"id"`
	Name            string     `json:"name,omitempty"`
	IsGroup         bool       `json:"is_group"`
	LatestMessage   string     `json:"latest_message"`
	LatestMessageAt *time.Time `json:"latest_message_at,omitempty"`
	UnreadCount     int        `json:"unread_count"`
}

// NewMessageNotice is carried by new-message-notification on a personal channel.
type NewMessageNotice struct {
	ConversationID uint                `json:"conversationId"`
	Conversation   ConversationSummary `json:"conversation"`
	Text           string              `json:"text"`
}

// Encode marshals an outbound event.
func Encode(name string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Name: name, Data: raw})
}

// MustEncode is Encode for payloads that cannot fail to marshal; failures are logged and yield nil.
func MustEncode(name string, data interface{}) []byte {
	b, err := Encode(name, data)
	if err != nil {
		log.Printf("notifications: failed to encode %s event: %v", name, err)
		return nil
	}
	return b
}
