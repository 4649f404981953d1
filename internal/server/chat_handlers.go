package server

import (
	"skillchat/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ConversationResponse is a conversation as seen by the requesting member.
type ConversationResponse struct {
	*models.Conversation
	UnreadCount int `json:"unread_count"`
}

func toConversationResponse(conv *models.Conversation, userID uint) ConversationResponse {
	resp := ConversationResponse{Conversation: conv}
	if m := conv.Member(userID); m != nil {
		resp.UnreadCount = m.UnreadCount
	}
	return resp
}

// GetConversations handles GET /api/conversations
func (s *Server) GetConversations(c *fiber.Ctx) error {
	userID := currentUserID(c)

	convs, err := s.messaging.ListConversations(c.UserContext(), userID)
	if err != nil {
		return models.RespondWithError(c, err)
	}

	out := make([]ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, toConversationResponse(conv, userID))
	}
	return c.JSON(out)
}

// OpenConversation handles POST /api/conversations. It finds or creates the
// direct conversation with peer_id.
func (s *Server) OpenConversation(c *fiber.Ctx) error {
	userID := currentUserID(c)

	var req struct {
		PeerID uint `json:"peer_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("Invalid request body"))
	}

	conv, err := s.messaging.OpenDirect(c.UserContext(), userID, req.PeerID)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(toConversationResponse(conv, userID))
}

// GetMessages handles GET /api/conversations/:id/messages
func (s *Server) GetMessages(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	page := parsePagination(c, 50)

	messages, err := s.messaging.History(c.UserContext(), convID, currentUserID(c), page.Limit, page.Offset)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{
		"conversation_id": convID,
		"messages":        messages,
		"limit":           page.Limit,
		"offset":          page.Offset,
	})
}
