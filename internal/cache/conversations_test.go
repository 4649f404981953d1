package cache

import (
	"testing"
	"time"

	"skillchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationCache_SnapshotIsolation(t *testing.T) {
	cc := NewConversationCache(time.Minute)
	conv := &models.Conversation{ID: 7, Members: []models.ConversationMember{
		{ConversationID: 7, UserID: 1, Role: models.RoleHuman},
		{ConversationID: 7, UserID: 2, Role: models.RoleBot},
	}}
	cc.Put(conv)

	conv.Members[1].Role = models.RoleHuman

	got, ok := cc.Get(7)
	require.True(t, ok)
	assert.Equal(t, models.RoleBot, got.Members[1].Role)

	got.Members[0].UserID = 99
	again, _ := cc.Get(7)
	assert.Equal(t, uint(1), again.Members[0].UserID)

	cc.Invalidate(7)
	_, ok = cc.Get(7)
	assert.False(t, ok)
}

func TestNewClient_ParsesURL(t *testing.T) {
	rdb, err := NewClient("redis://:secret@localhost:6380/2")
	require.NoError(t, err)
	defer rdb.Close()
	assert.Equal(t, "localhost:6380", rdb.Options().Addr)
	assert.Equal(t, 2, rdb.Options().DB)

	_, err = NewClient("redis://%zz")
	assert.Error(t, err)
}
