// Package models contains data structures for the application's domain models.
package models

import (
	"time"
)

// MemberRole tags a conversation member as a human client or an automated participant.
type MemberRole string

const (
	RoleHuman MemberRole = "human"
	RoleBot   MemberRole = "bot"
)

// AttachmentPreview is the conversation summary used when a message carries only an attachment.
const AttachmentPreview = "[Image]"

// Conversation represents a chat conversation (can be 1-on-1 or group)
type Conversation struct {
	ID              uint                 `gorm:"primaryKey" json:"id" bson:"_id"`
	Name            string               `json:"name,omitempty" bson:"name,omitempty"` // For group chats
	IsGroup         bool                 `gorm:"default:false" json:"is_group" bson:"is_group"`
	CreatedBy       uint                 `json:"created_by" bson:"created_by"`
	LatestMessage   string               `gorm:"type:text" json:"latest_message" bson:"latest_message"`
	LatestMessageAt *time.Time           `gorm:"index" json:"latest_message_at,omitempty" bson:"latest_message_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at" bson:"updated_at"`
	Members         []ConversationMember `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"members" bson:"members"`
}

// ConversationMember is one participant of a conversation together with its unread counter.
// Every member owns exactly one row, so removing the member prunes its counter.
type ConversationMember struct {
	ConversationID uint       `gorm:"primaryKey" json:"conversation_id" bson:"-"`
	UserID         uint       `gorm:"primaryKey;index" json:"user_id" bson:"user_id"`
	User           *User      `gorm:"foreignKey:UserID" json:"user,omitempty" bson:"-"`
	Role           MemberRole `gorm:"type:varchar(16);default:'human'" json:"role" bson:"role"`
	UnreadCount    int        `gorm:"default:0" json:"unread_count" bson:"unread_count"`
	JoinedAt       time.Time  `gorm:"autoCreateTime" json:"joined_at" bson:"joined_at"`
}

// Message represents a chat message. Text and attachment are immutable once created;
// SeenBy and RetractedFor only ever grow.
type Message struct {
	ID             uint                `gorm:"primaryKey" json:"id" bson:"_id"`
	ConversationID uint                `gorm:"not null;index" json:"conversation_id" bson:"conversation_id"`
	SenderID       uint                `gorm:"not null;index" json:"sender_id" bson:"sender_id"`
	Sender         *User               `gorm:"foreignKey:SenderID" json:"sender,omitempty" bson:"-"`
	Text           string              `gorm:"type:text" json:"text,omitempty" bson:"text,omitempty"`
	AttachmentURL  string              `json:"image_url,omitempty" bson:"attachment_url,omitempty"`
	SeenBy         []MessageSeen       `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"seen_by" bson:"seen_by"`
	RetractedFor   []MessageRetraction `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"deleted_from" bson:"deleted_from"`
	CreatedAt      time.Time           `gorm:"index" json:"created_at" bson:"created_at"`
}

// MessageSeen records the first time a user observed a message.
type MessageSeen struct {
	MessageID uint      `gorm:"primaryKey" json:"-" bson:"-"`
	UserID    uint      `gorm:"primaryKey" json:"user_id" bson:"user_id"`
	SeenAt    time.Time `json:"seen_at" bson:"seen_at"`
}

// MessageRetraction hides a message from one user without removing it from storage.
type MessageRetraction struct {
	MessageID   uint      `gorm:"primaryKey" json:"-" bson:"-"`
	UserID      uint      `gorm:"primaryKey" json:"user_id" bson:"user_id"`
	RetractedAt time.Time `json:"retracted_at" bson:"retracted_at"`
}

// Member returns the membership record for userID, or nil.
func (c *Conversation) Member(userID uint) *ConversationMember {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return &c.Members[i]
		}
	}
	return nil
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID uint) bool {
	return c.Member(userID) != nil
}

// MemberIDs returns member ids in stored order.
func (c *Conversation) MemberIDs() []uint {
	ids := make([]uint, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// BotPeer returns the first bot member that is not senderID. Only one bot is serviced per send.
func (c *Conversation) BotPeer(senderID uint) *ConversationMember {
	for i := range c.Members {
		m := &c.Members[i]
		if m.UserID != senderID && m.Role == RoleBot {
			return m
		}
	}
	return nil
}

// Peers returns every member other than senderID.
func (c *Conversation) Peers(senderID uint) []ConversationMember {
	peers := make([]ConversationMember, 0, len(c.Members))
	for _, m := range c.Members {
		if m.UserID != senderID {
			peers = append(peers, m)
		}
	}
	return peers
}

// Preview is the summary text stored on the conversation for this message.
func (m *Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	return AttachmentPreview
}

// IsSeenBy reports whether userID has an entry in the seen set.
func (m *Message) IsSeenBy(userID uint) bool {
	for _, s := range m.SeenBy {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// IsRetractedFor reports whether the message is invisible to userID.
func (m *Message) IsRetractedFor(userID uint) bool {
	for _, r := range m.RetractedFor {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// RetractedUserIDs returns the retraction set as ids.
func (m *Message) RetractedUserIDs() []uint {
	ids := make([]uint, 0, len(m.RetractedFor))
	for _, r := range m.RetractedFor {
		ids = append(ids, r.UserID)
	}
	return ids
}
