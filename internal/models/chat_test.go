package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversation_BotPeer(t *testing.T) {
	conv := &Conversation{Members: []ConversationMember{
		{UserID: 1, Role: RoleHuman},
		{UserID: 2, Role: RoleBot},
		{UserID: 3, Role: RoleBot},
	}}

	peer := conv.BotPeer(1)
	if assert.NotNil(t, peer) {
		assert.Equal(t, uint(2), peer.UserID)
	}

	// A bot sending never services itself.
	peer = conv.BotPeer(2)
	if assert.NotNil(t, peer) {
		assert.Equal(t, uint(3), peer.UserID)
	}

	human := &Conversation{Members: []ConversationMember{{UserID: 1}, {UserID: 2}}}
	assert.Nil(t, human.BotPeer(1))
}

func TestConversation_Membership(t *testing.T) {
	conv := &Conversation{Members: []ConversationMember{{UserID: 4}, {UserID: 9}}}

	assert.True(t, conv.HasMember(9))
	assert.False(t, conv.HasMember(5))
	assert.Equal(t, []uint{4, 9}, conv.MemberIDs())

	peers := conv.Peers(4)
	assert.Len(t, peers, 1)
	assert.Equal(t, uint(9), peers[0].UserID)
}

func TestMessage_PreviewAndSets(t *testing.T) {
	msg := &Message{AttachmentURL: "https://cdn.example/a.png"}
	assert.Equal(t, AttachmentPreview, msg.Preview())

	msg.Text = "hi"
	assert.Equal(t, "hi", msg.Preview())

	msg.SeenBy = []MessageSeen{{UserID: 2}}
	msg.RetractedFor = []MessageRetraction{{UserID: 1}, {UserID: 2}}
	assert.True(t, msg.IsSeenBy(2))
	assert.False(t, msg.IsSeenBy(1))
	assert.True(t, msg.IsRetractedFor(1))
	assert.False(t, msg.IsRetractedFor(3))
	assert.Equal(t, []uint{1, 2}, msg.RetractedUserIDs())
}

func TestErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", NewNotFoundError("Conversation", 7))
	assert.Equal(t, CodeNotFound, ErrorCode(wrapped))
	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, 404, HTTPStatus(wrapped))

	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Equal(t, 400, HTTPStatus(NewValidationError("bad")))
	assert.Equal(t, 403, HTTPStatus(NewForbiddenError("no")))
	assert.Equal(t, 503, HTTPStatus(NewUnavailableError("down", errors.New("x"))))
}
