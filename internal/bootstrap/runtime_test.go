package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"skillchat/internal/config"
	"skillchat/internal/models"
	"skillchat/internal/notifications"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) GetByID(ctx context.Context, id uint) (*models.User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func (m *mockUsers) GetByIDs(ctx context.Context, ids []uint) ([]models.User, error) {
	args := m.Called(ctx, ids)
	u, _ := args.Get(0).([]models.User)
	return u, args.Error(1)
}

func (m *mockUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func (m *mockUsers) Create(ctx context.Context, user *models.User) error {
	return m.Called(ctx, user).Error(0)
}

func (m *mockUsers) SetPresence(ctx context.Context, id uint, online bool, at time.Time) error {
	return m.Called(ctx, id, online, at).Error(0)
}

func (m *mockUsers) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	args := m.Called(ctx, limit, offset)
	u, _ := args.Get(0).([]models.User)
	return u, args.Error(1)
}

func testConfig(t *testing.T, redisAddr string) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                 "0",
		Env:                  "test",
		JWTSecret:            "test-secret-that-is-long-enough-123456",
		DBDriver:             "sqlite",
		SQLitePath:           filepath.Join(t.TempDir(), "skillchat.db"),
		RedisURL:             redisAddr,
		Backplane:            "redis",
		BotAccounts:          "mentor:mentor@bot.skillchat.test, broken-entry",
		PresenceOfflineGrace: 0,
	}
}

func TestInitRuntime_SQLite(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())
	ctx := context.Background()

	rt, err := InitRuntime(ctx, cfg, Options{SeedDemo: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	require.NotNil(t, rt.DB)
	require.NotNil(t, rt.Redis)
	assert.Nil(t, rt.Mongo)

	bot, err := rt.Users.GetByEmail(ctx, "mentor@bot.skillchat.test")
	require.NoError(t, err)
	assert.True(t, bot.IsBot)
	assert.Equal(t, "mentor", bot.Username)

	users, err := rt.Users.List(ctx, 100, 0)
	require.NoError(t, err)
	assert.Greater(t, len(users), 1)

	dbErr, redisErr := rt.Ping(ctx)
	assert.NoError(t, dbErr)
	assert.NoError(t, redisErr)
}

func TestInitRuntime_BadDriver(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.DBDriver = "oracle"
	_, err := InitRuntime(context.Background(), cfg, Options{})
	assert.Error(t, err)
}

func TestEnsureBotAccounts(t *testing.T) {
	ctx := context.Background()
	users := &mockUsers{}
	users.On("GetByEmail", ctx, "exists@bot.test").Return(&models.User{ID: 3, IsBot: true}, nil).Once()
	users.On("GetByEmail", ctx, "new@bot.test").Return(nil, models.NewNotFoundError("User", "new@bot.test")).Once()
	users.On("Create", ctx, mock.MatchedBy(func(u *models.User) bool {
		return u.Email == "new@bot.test" && u.IsBot && u.Password != ""
	})).Return(nil).Once()

	created, err := EnsureBotAccounts(ctx, users, []config.BotAccount{
		{Username: "exists", Email: "exists@bot.test"},
		{Username: "new", Email: "new@bot.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	users.AssertExpectations(t)
}

func TestEnsureBotAccounts_LookupFailure(t *testing.T) {
	ctx := context.Background()
	users := &mockUsers{}
	users.On("GetByEmail", ctx, "x@bot.test").Return(nil, models.NewInternalError(errors.New("db down"))).Once()

	created, err := EnsureBotAccounts(ctx, users, []config.BotAccount{{Username: "x", Email: "x@bot.test"}})
	assert.Error(t, err)
	assert.Zero(t, created)
	users.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestNewBackplane(t *testing.T) {
	mr := miniredis.RunT(t)
	rt := &Runtime{}
	cfg := testConfig(t, mr.Addr())

	bp, err := NewBackplane(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, bp, "redis mode without redis runs single-instance")

	cfg.Backplane = "none"
	bp, err = NewBackplane(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, bp)

	cfg.Backplane = "nats"
	cfg.NATSURL = "nats://127.0.0.1:1"
	_, err = NewBackplane(cfg, nil)
	assert.Error(t, err)

	dbErr, redisErr := rt.Ping(context.Background())
	assert.Error(t, dbErr)
	assert.ErrorIs(t, redisErr, ErrRedisUnavailable)
}

func TestNewPresence(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.PresenceOfflineGrace = time.Second
	id, presence := NewPresence(cfg, nil)
	t.Cleanup(presence.Stop)
	assert.NotEmpty(t, id)

	reg := notifications.NewRegistry(id, presence)
	assert.Equal(t, id, reg.InstanceID())
	assert.Same(t, presence, reg.Presence())
}
