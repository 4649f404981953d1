package repository

import (
	"context"
	"errors"
	"time"

	"skillchat/internal/models"
	"skillchat/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository is the storage collaborator for conversations and messages.
// Counter and set mutations are single atomic statements; callers never
// read-modify-write unread counters or seen/retraction sets.
type ChatRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB uint) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error)
	GetUserConversationIDs(ctx context.Context, userID uint) ([]uint, error)
	ListConversationIDs(ctx context.Context, afterID uint, limit int) ([]uint, error)
	AddMember(ctx context.Context, convID, userID uint, role models.MemberRole) error
	RemoveMember(ctx context.Context, convID, userID uint) error

	IncrementUnread(ctx context.Context, convID, userID uint, n int) error
	ResetUnread(ctx context.Context, convID, userID uint) error
	SetUnread(ctx context.Context, convID, userID uint, n int) error
	UpdateLatestMessage(ctx context.Context, convID uint, preview string, at time.Time) error

	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	GetMessagesForUser(ctx context.Context, convID, userID uint, limit, offset int) ([]*models.Message, error)
	MarkSeen(ctx context.Context, userID uint, msgIDs []uint, at time.Time) error
	MarkConversationSeen(ctx context.Context, convID, userID uint, at time.Time) (int64, error)
	AddRetractions(ctx context.Context, msgID uint, userIDs []uint, at time.Time) error
	CountUnseen(ctx context.Context, convID, userID uint) (int64, error)
}

// chatRepository implements ChatRepository
type chatRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db, log: observability.NewRepoLogger("conversations")}
}

func (r *chatRepository) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	r.log.LogError(ctx, err, op)
	return models.NewInternalError(err)
}

func (r *chatRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return r.wrap(ctx, "create_conversation", r.db.WithContext(ctx).Create(conv).Error)
}

func (r *chatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, user_id ASC")
		}).
		Preload("Members.User").
		First(&conv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Conversation", id)
		}
		return nil, r.wrap(ctx, "get_conversation", err)
	}
	return &conv, nil
}

func (r *chatRepository) FindDirectConversation(ctx context.Context, userA, userB uint) (*models.Conversation, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Joins("JOIN conversation_members a ON a.conversation_id = conversations.id AND a.user_id = ?", userA).
		Joins("JOIN conversation_members b ON b.conversation_id = conversations.id AND b.user_id = ?", userB).
		Where("conversations.is_group = ?", false).
		Order("conversations.id ASC").
		Limit(1).
		Pluck("conversations.id", &ids).Error
	if err != nil {
		return nil, r.wrap(ctx, "find_direct_conversation", err)
	}
	if len(ids) == 0 {
		return nil, models.NewNotFoundError("Conversation", "direct")
	}
	return r.GetConversation(ctx, ids[0])
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Where("id IN (SELECT conversation_id FROM conversation_members WHERE user_id = ?)", userID).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, user_id ASC")
		}).
		Preload("Members.User").
		Order("updated_at DESC").
		Find(&conversations).Error
	return conversations, r.wrap(ctx, "get_user_conversations", err)
}

func (r *chatRepository) GetUserConversationIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("user_id = ?", userID).
		Order("conversation_id ASC").
		Pluck("conversation_id", &ids).Error
	return ids, r.wrap(ctx, "get_user_conversation_ids", err)
}

func (r *chatRepository) ListConversationIDs(ctx context.Context, afterID uint, limit int) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, r.wrap(ctx, "list_conversation_ids", err)
}

func (r *chatRepository) AddMember(ctx context.Context, convID, userID uint, role models.MemberRole) error {
	member := models.ConversationMember{
		ConversationID: convID,
		UserID:         userID,
		Role:           role,
	}
	// Re-adding an existing member keeps its counter.
	return r.wrap(ctx, "add_member", r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error)
}

// RemoveMember prunes the member row (and its counter). A group whose last member leaves is deleted.
func (r *chatRepository) RemoveMember(ctx context.Context, convID, userID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("conversation_id = ? AND user_id = ?", convID, userID).Delete(&models.ConversationMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewNotFoundError("ConversationMember", userID)
		}

		var remaining int64
		if err := tx.Model(&models.ConversationMember{}).Where("conversation_id = ?", convID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		var conv models.Conversation
		if err := tx.Select("id", "is_group").First(&conv, convID).Error; err != nil {
			return err
		}
		if !conv.IsGroup {
			return nil
		}
		const inConversation = "message_id IN (SELECT id FROM messages WHERE conversation_id = ?)"
		if err := tx.Where(inConversation, convID).Delete(&models.MessageSeen{}).Error; err != nil {
			return err
		}
		if err := tx.Where(inConversation, convID).Delete(&models.MessageRetraction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", convID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, convID).Error
	})
	return r.wrap(ctx, "remove_member", err)
}

func (r *chatRepository) IncrementUnread(ctx context.Context, convID, userID uint, n int) error {
	res := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		UpdateColumn("unread_count", gorm.Expr("unread_count + ?", n))
	if res.Error != nil {
		return r.wrap(ctx, "increment_unread", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("ConversationMember", userID)
	}
	return nil
}

func (r *chatRepository) ResetUnread(ctx context.Context, convID, userID uint) error {
	return r.SetUnread(ctx, convID, userID, 0)
}

func (r *chatRepository) SetUnread(ctx context.Context, convID, userID uint, n int) error {
	if n < 0 {
		n = 0
	}
	err := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		UpdateColumn("unread_count", n).Error
	return r.wrap(ctx, "set_unread", err)
}

// UpdateLatestMessage only moves the summary forward in time.
func (r *chatRepository) UpdateLatestMessage(ctx context.Context, convID uint, preview string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND (latest_message_at IS NULL OR latest_message_at <= ?)", convID, at).
		UpdateColumns(map[string]interface{}{
			"latest_message":    preview,
			"latest_message_at": at,
			"updated_at":        at,
		}).Error
	return r.wrap(ctx, "update_latest_message", err)
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	return r.wrap(ctx, "create_message", r.db.WithContext(ctx).Omit("Sender").Create(msg).Error)
}

func (r *chatRepository) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Preload("SeenBy").
		Preload("RetractedFor").
		First(&msg, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, r.wrap(ctx, "get_message", err)
	}
	return &msg, nil
}

// GetMessagesForUser returns the newest page of messages visible to userID, oldest first.
func (r *chatRepository) GetMessagesForUser(ctx context.Context, convID, userID uint, limit, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Where("NOT EXISTS (SELECT 1 FROM message_retractions mr WHERE mr.message_id = messages.id AND mr.user_id = ?)", userID).
		Preload("Sender").
		Preload("SeenBy").
		Preload("RetractedFor").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, r.wrap(ctx, "get_messages_for_user", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *chatRepository) MarkSeen(ctx context.Context, userID uint, msgIDs []uint, at time.Time) error {
	if len(msgIDs) == 0 {
		return nil
	}
	rows := make([]models.MessageSeen, 0, len(msgIDs))
	for _, id := range msgIDs {
		rows = append(rows, models.MessageSeen{MessageID: id, UserID: userID, SeenAt: at})
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	return r.wrap(ctx, "mark_seen", err)
}

// MarkConversationSeen records userID as having seen every message from other senders.
func (r *chatRepository) MarkConversationSeen(ctx context.Context, convID, userID uint, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Exec(
		`INSERT INTO message_seens (message_id, user_id, seen_at)
		 SELECT m.id, ?, ? FROM messages m
		 WHERE m.conversation_id = ? AND m.sender_id <> ?
		 AND NOT EXISTS (SELECT 1 FROM message_seens s WHERE s.message_id = m.id AND s.user_id = ?)`,
		userID, at, convID, userID, userID,
	)
	return res.RowsAffected, r.wrap(ctx, "mark_conversation_seen", res.Error)
}

// AddRetractions unions userIDs into the message's retraction set.
func (r *chatRepository) AddRetractions(ctx context.Context, msgID uint, userIDs []uint, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Message{}).Where("id = ?", msgID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return models.NewNotFoundError("Message", msgID)
		}
		if len(userIDs) == 0 {
			return nil
		}
		rows := make([]models.MessageRetraction, 0, len(userIDs))
		for _, id := range userIDs {
			rows = append(rows, models.MessageRetraction{MessageID: msgID, UserID: id, RetractedAt: at})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	return r.wrap(ctx, "add_retractions", err)
}

// CountUnseen counts messages from others that userID can see but has not seen.
func (r *chatRepository) CountUnseen(ctx context.Context, convID, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", convID, userID).
		Where("NOT EXISTS (SELECT 1 FROM message_seens s WHERE s.message_id = messages.id AND s.user_id = ?)", userID).
		Where("NOT EXISTS (SELECT 1 FROM message_retractions mr WHERE mr.message_id = messages.id AND mr.user_id = ?)", userID).
		Count(&count).Error
	return count, r.wrap(ctx, "count_unseen", err)
}
