package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// flexID accepts an identity as a JSON number or a numeric string.
type flexID uint

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid id %s", string(b))
	}
	*f = flexID(n)
	return nil
}

type setupRequest struct {
	UserID flexID `json:"userId"`
}

type roomRequest struct {
	RoomID         flexID `json:"roomId"`
	ConversationID flexID `json:"conversationId"`
	UserID         flexID `json:"userId"`
}

func (r roomRequest) room() uint {
	if r.RoomID != 0 {
		return uint(r.RoomID)
	}
	return uint(r.ConversationID)
}

type sendMessageRequest struct {
	ConversationID flexID `json:"conversationId"`
	SenderID       flexID `json:"senderId"`
	Text           string `json:"text"`
	ImageURL       string `json:"imageUrl"`
}

type typingRequest struct {
	ConversationID flexID `json:"conversationId"`
	Typer          flexID `json:"typer"`
}

type deleteMessageRequest struct {
	MessageID      flexID   `json:"messageId"`
	ConversationID flexID   `json:"conversationId"`
	DeleteFrom     []flexID `json:"deleteFrom"`
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

// decodeSetup reads setup(userId) sent either bare or as {userId}.
func decodeSetup(raw json.RawMessage) (uint, error) {
	if isObject(raw) {
		var req setupRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return 0, err
		}
		return uint(req.UserID), nil
	}
	var id flexID
	err := json.Unmarshal(raw, &id)
	return uint(id), err
}

// decodeRoom reads join-chat/leave-chat sent either bare or as {roomId, userId}.
func decodeRoom(raw json.RawMessage) (roomRequest, error) {
	var req roomRequest
	if isObject(raw) {
		err := json.Unmarshal(raw, &req)
		return req, err
	}
	err := json.Unmarshal(raw, &req.RoomID)
	return req, err
}

func toIDs(in []flexID) []uint {
	out := make([]uint, 0, len(in))
	for _, id := range in {
		out = append(out, uint(id))
	}
	return out
}
