package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"skillchat/internal/models"
	"skillchat/internal/notifications"
	"skillchat/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connect attaches a socketless client and opens a protocol session for userID.
func (e *testEnv) connect(t *testing.T, userID uint) (*session, *notifications.Client) {
	t.Helper()
	c := notifications.NewClient(nil)
	require.NoError(t, e.srv.Registry().AttachClient(c))
	sess := e.srv.newSession(c, userID)
	t.Cleanup(sess.close)
	return sess, c
}

func emit(sess *session, name string, data string) {
	frame := fmt.Sprintf(`{"event":%q}`, name)
	if data != "" {
		frame = fmt.Sprintf(`{"event":%q,"data":%s}`, name, data)
	}
	sess.handle(sess.client, []byte(frame))
}

func frames(t *testing.T, c *notifications.Client) []notifications.Event {
	t.Helper()
	var out []notifications.Event
	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				return out
			}
			var ev notifications.Event
			require.NoError(t, json.Unmarshal(msg, &ev))
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ack(t *testing.T, ev notifications.Event) notifications.ErrorAck {
	t.Helper()
	var a notifications.ErrorAck
	require.NoError(t, json.Unmarshal(ev.Data, &a))
	return a
}

func eventNames(evs []notifications.Event) []string {
	names := make([]string, 0, len(evs))
	for _, ev := range evs {
		names = append(names, ev.Name)
	}
	return names
}

func (e *testEnv) direct(t *testing.T, a, b uint) *models.Conversation {
	t.Helper()
	conv, err := e.srv.Messaging().OpenDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func TestSession_Setup(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, c := env.connect(t, env.alice.ID)

	emit(sess, notifications.EventSetup, fmt.Sprintf("%d", env.bob.ID))
	evs := frames(t, c)
	require.Len(t, evs, 1)
	assert.Equal(t, notifications.EventError, evs[0].Name)
	a := ack(t, evs[0])
	assert.Equal(t, models.CodeForbidden, a.Code)
	assert.Equal(t, notifications.EventSetup, a.Event)
	assert.Zero(t, c.UserID)

	emit(sess, notifications.EventSetup, fmt.Sprintf(`{"userId":"%d"}`, env.alice.ID))
	evs = frames(t, c)
	require.Len(t, evs, 1)
	assert.Equal(t, notifications.EventUserSetup, evs[0].Name)
	assert.Equal(t, env.alice.ID, c.UserID)
	assert.True(t, env.srv.Registry().IsOnline(context.Background(), env.alice.ID))

	// Setup without data falls back to the authenticated identity.
	emit(sess, notifications.EventSetup, "")
	evs = frames(t, c)
	require.Len(t, evs, 1)
	assert.Equal(t, notifications.EventUserSetup, evs[0].Name)
}

func TestSession_RejectsBadFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, c := env.connect(t, env.alice.ID)

	sess.handle(c, []byte("not json"))
	emit(sess, notifications.EventJoinChat, `{"roomId":1}`)
	emit(sess, "dance", `{}`)
	emit(sess, notifications.EventSendMessage, `{"conversationId":1,"text":"hi"}`)
	sess.close()

	evs := frames(t, c)
	require.Len(t, evs, 4)
	assert.Equal(t, models.CodeValidation, ack(t, evs[0]).Code)
	assert.Equal(t, models.CodeUnauthorized, ack(t, evs[1]).Code, "events before setup are refused")

	// After setup, unknown events are still refused.
	emit(sess, notifications.EventSetup, "")
	frames(t, c)
	emit(sess, "dance", `{}`)
	evs = append(evs, frames(t, c)...)
	require.Len(t, evs, 5)
	assert.Equal(t, notifications.EventError, evs[4].Name)
	assert.Equal(t, models.CodeValidation, ack(t, evs[4]).Code)

	assert.Equal(t, notifications.EventSendFailed, evs[3].Name)
	assert.Equal(t, notifications.EventSendMessage, ack(t, evs[3]).Event)
}

func TestSession_SendReachesRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t, env.alice.ID, env.bob.ID)

	alice, ac := env.connect(t, env.alice.ID)
	bob, bc := env.connect(t, env.bob.ID)
	emit(alice, notifications.EventSetup, "")
	emit(bob, notifications.EventSetup, "")
	emit(bob, notifications.EventJoinChat, fmt.Sprintf(`{"roomId":%d,"userId":%d}`, conv.ID, env.bob.ID))
	emit(alice, notifications.EventJoinChat, fmt.Sprintf(`%d`, conv.ID))
	frames(t, ac)
	frames(t, bc)

	emit(alice, notifications.EventSendMessage, fmt.Sprintf(`{"conversationId":%d,"senderId":%d,"text":"hello","imageUrl":"https://cdn.example.com/a.png"}`, conv.ID, env.alice.ID))
	alice.close()

	evs := frames(t, bc)
	require.Equal(t, []string{notifications.EventReceiveMessage}, eventNames(evs))
	var msg models.Message
	require.NoError(t, json.Unmarshal(evs[0].Data, &msg))
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "https://cdn.example.com/a.png", msg.AttachmentURL)
	assert.Equal(t, env.alice.ID, msg.SenderID)
	assert.True(t, msg.IsSeenBy(env.bob.ID))
}

func TestSession_SendRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t, env.alice.ID, env.bob.ID)
	sess, c := env.connect(t, env.alice.ID)
	emit(sess, notifications.EventSetup, "")
	frames(t, c)

	emit(sess, notifications.EventSendMessage, fmt.Sprintf(`{"conversationId":%d,"senderId":%d,"text":"spoof"}`, conv.ID, env.bob.ID))
	emit(sess, notifications.EventSendMessage, fmt.Sprintf(`{"conversationId":%d,"text":"   "}`, conv.ID))
	emit(sess, notifications.EventSendMessage, `{"conversationId":987654,"text":"lost"}`)
	sess.close()

	evs := frames(t, c)
	require.Len(t, evs, 3)
	for _, ev := range evs {
		assert.Equal(t, notifications.EventSendFailed, ev.Name)
	}
	assert.Equal(t, models.CodeForbidden, ack(t, evs[0]).Code)
	assert.Equal(t, models.CodeValidation, ack(t, evs[1]).Code)
	assert.Equal(t, models.CodeNotFound, ack(t, evs[2]).Code)
}

func TestSession_TypingAndDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t, env.alice.ID, env.bob.ID)
	alice, ac := env.connect(t, env.alice.ID)
	bob, bc := env.connect(t, env.bob.ID)
	emit(alice, notifications.EventSetup, "")
	emit(bob, notifications.EventSetup, "")

	emit(alice, notifications.EventTyping, fmt.Sprintf(`{"conversationId":%d,"typer":%d}`, conv.ID, env.alice.ID))
	evs := frames(t, ac)
	require.Len(t, evs, 2)
	assert.Equal(t, models.CodeForbidden, ack(t, evs[1]).Code, "typing requires joining the room")

	emit(alice, notifications.EventJoinChat, fmt.Sprintf(`{"roomId":%d}`, conv.ID))
	emit(bob, notifications.EventJoinChat, fmt.Sprintf(`{"roomId":%d}`, conv.ID))
	frames(t, ac)
	frames(t, bc)

	emit(alice, notifications.EventTyping, fmt.Sprintf(`{"conversationId":%d,"typer":%d}`, conv.ID, env.alice.ID))
	emit(alice, notifications.EventStopTyping, fmt.Sprintf(`{"conversationId":%d}`, conv.ID))
	emit(alice, notifications.EventTyping, fmt.Sprintf(`{"conversationId":%d,"typer":%d}`, conv.ID, env.bob.ID))
	evs = frames(t, bc)
	require.Equal(t, []string{notifications.EventTyping, notifications.EventStopTyping}, eventNames(evs))
	var typing notifications.TypingPayload
	require.NoError(t, json.Unmarshal(evs[0].Data, &typing))
	assert.Equal(t, env.alice.ID, typing.Typer)
	evs = frames(t, ac)
	require.Len(t, evs, 1)
	assert.Equal(t, models.CodeForbidden, ack(t, evs[0]).Code, "typer must be the connected user")

	res, err := env.srv.Messaging().Send(context.Background(), sendInput(conv.ID, env.bob.ID, "oops"))
	require.NoError(t, err)
	frames(t, ac)
	frames(t, bc)

	emit(alice, notifications.EventDeleteMessage, fmt.Sprintf(`{"messageId":%d,"conversationId":%d,"deleteFrom":[%d]}`, res.Message.ID, conv.ID, env.bob.ID))
	evs = frames(t, ac)
	require.Len(t, evs, 1)
	assert.Equal(t, models.CodeForbidden, ack(t, evs[0]).Code)

	emit(bob, notifications.EventDeleteMessage, fmt.Sprintf(`{"messageId":%d,"conversationId":%d,"deleteFrom":[%d,"%d"]}`, res.Message.ID, conv.ID, env.bob.ID, env.alice.ID))
	assert.Equal(t, []string{notifications.EventMessageDeleted}, eventNames(frames(t, ac)))
	assert.Equal(t, []string{notifications.EventMessageDeleted}, eventNames(frames(t, bc)))
}

func TestSession_PanicIsRecovered(t *testing.T) {
	env := newTestEnv(t, nil)
	broken := &Server{shutdownCtx: context.Background(), registry: env.srv.Registry(), config: env.srv.config}
	c := notifications.NewClient(nil)
	require.NoError(t, env.srv.Registry().AttachClient(c))
	sess := broken.newSession(c, env.alice.ID)
	defer sess.close()

	emit(sess, notifications.EventSetup, "")
	evs := frames(t, c)
	require.Len(t, evs, 1)
	assert.Equal(t, notifications.EventError, evs[0].Name)
	assert.Equal(t, models.CodeInternal, ack(t, evs[0]).Code)

	emit(sess, "dance", `{}`)
	assert.Len(t, frames(t, c), 1, "the session keeps serving after a panic")
}

func sendInput(convID, senderID uint, text string) service.SendInput {
	return service.SendInput{ConversationID: convID, SenderID: senderID, Text: text}
}
