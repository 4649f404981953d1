package cache

import (
	"strconv"
	"time"

	"skillchat/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

// ConversationCache keeps membership snapshots of recently routed conversations.
// Entries must be invalidated whenever membership changes; unread counters and
// summaries on cached values are stale by design and must not be read.
type ConversationCache struct {
	c *gocache.Cache
}

// NewConversationCache creates a cache with the given entry lifetime.
func NewConversationCache(ttl time.Duration) *ConversationCache {
	return &ConversationCache{c: gocache.New(ttl, ttl*5)}
}

func conversationKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Get returns a copy of the cached snapshot for id.
func (cc *ConversationCache) Get(id uint) (*models.Conversation, bool) {
	v, ok := cc.c.Get(conversationKey(id))
	if !ok {
		return nil, false
	}
	conv := *v.(*models.Conversation)
	conv.Members = append([]models.ConversationMember(nil), conv.Members...)
	return &conv, true
}

// Put stores a snapshot of conv.
func (cc *ConversationCache) Put(conv *models.Conversation) {
	snapshot := *conv
	snapshot.Members = append([]models.ConversationMember(nil), conv.Members...)
	cc.c.SetDefault(conversationKey(conv.ID), &snapshot)
}

// Invalidate drops the snapshot for id.
func (cc *ConversationCache) Invalidate(id uint) {
	cc.c.Delete(conversationKey(id))
}
