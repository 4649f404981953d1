package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"skillchat/internal/bootstrap"
	"skillchat/internal/config"
	"skillchat/internal/database"
	"skillchat/internal/models"
	"skillchat/internal/notifications"
	"skillchat/internal/repository"
	"skillchat/internal/seed"
	"skillchat/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

type testEnv struct {
	srv   *Server
	app   *fiber.App
	alice *models.User
	bob   *models.User
	carol *models.User
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestEnv(t *testing.T, completer service.Completer) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	rt := &bootstrap.Runtime{
		DB:    db,
		Chat:  repository.NewChatRepository(db),
		Users: repository.NewUserRepository(db),
	}
	cfg := &config.Config{
		Port:              "0",
		Env:               "test",
		JWTSecret:         testSecret,
		AllowedOrigins:    "*",
		BotEmailPattern:   `(?i)@bot\.`,
		CompletionTimeout: time.Second,
	}
	srv, err := NewServerWithDeps(cfg, rt, nil, completer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	f := seed.NewFactory(rt.Chat, rt.Users, 7)
	env := &testEnv{srv: srv, app: srv.NewApp()}
	for _, u := range []**models.User{&env.alice, &env.bob, &env.carol} {
		*u, err = f.CreateUser(context.Background())
		require.NoError(t, err)
	}
	return env
}

func token(t *testing.T, userID uint) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *testEnv) do(t *testing.T, method, path string, userID uint, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	resp, err := e.app.Test(req, 5000)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestHealthChecks(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/health/live", 0, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/health/ready", 0, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Status string                 `json:"status"`
		Checks map[string]interface{} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "healthy", payload.Status)
	assert.Equal(t, "healthy", payload.Checks["database"])
	assert.Equal(t, "unavailable", payload.Checks["redis"])
}

func TestWebSocketRoute_RequiresAuthAndUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/ws", 0, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/ws", env.alice.ID, "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestConversationsAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	resp, _ := env.do(t, http.MethodGet, "/api/conversations", 0, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/conversations", env.alice.ID, fmt.Sprintf(`{"peer_id":%d}`, env.bob.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var opened ConversationResponse
	require.NoError(t, json.Unmarshal(body, &opened))
	require.NotZero(t, opened.ID)
	assert.Len(t, opened.Members, 2)

	resp, body = env.do(t, http.MethodPost, "/api/conversations", env.bob.ID, fmt.Sprintf(`{"peer_id":%d}`, env.alice.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again ConversationResponse
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, opened.ID, again.ID, "opening twice returns the same conversation")

	resp, _ = env.do(t, http.MethodPost, "/api/conversations", env.alice.ID, fmt.Sprintf(`{"peer_id":%d}`, env.alice.ID))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/conversations", env.alice.ID, `{"peer_id":99999}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Bob is not in the room, so both sends count as unread for him.
	for _, text := range []string{"hi bob", "are you there?"} {
		_, err := env.srv.Messaging().Send(ctx, service.SendInput{ConversationID: opened.ID, SenderID: env.alice.ID, Text: text})
		require.NoError(t, err)
	}

	resp, body = env.do(t, http.MethodGet, "/api/conversations", env.bob.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []ConversationResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.Equal(t, "are you there?", list[0].LatestMessage)

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?limit=10", opened.ID), env.bob.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Messages []models.Message `json:"messages"`
		Limit    int              `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, 10, page.Limit)
	assert.Equal(t, "hi bob", page.Messages[0].Text)

	// Fetching history marks the messages seen and syncs the counter.
	_, body = env.do(t, http.MethodGet, "/api/conversations", env.bob.ID, "")
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 0, list[0].UnreadCount)

	resp, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", opened.ID), env.carol.ID, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/conversations/abc/messages", env.bob.ID, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/conversations/4242/messages", env.bob.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdown_NotifiesConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	c := notifications.NewClient(nil)
	require.NoError(t, env.srv.Registry().AttachClient(c))

	require.NoError(t, env.srv.Shutdown(context.Background()))

	var names []string
	for msg := range c.Send {
		var ev notifications.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{notifications.EventServerShutdown}, names)
}
