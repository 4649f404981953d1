package database

import (
	"path/filepath"
	"testing"

	"skillchat/internal/config"
	"skillchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_SQLiteMigrates(t *testing.T) {
	cfg := &config.Config{
		Env:        "test",
		DBDriver:   "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "chat.db"),
	}

	db, err := Connect(cfg)
	require.NoError(t, err)

	for _, model := range []interface{}{
		&models.User{}, &models.Conversation{}, &models.ConversationMember{},
		&models.Message{}, &models.MessageSeen{}, &models.MessageRetraction{},
	} {
		assert.True(t, db.Migrator().HasTable(model))
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestDialector_RejectsMongo(t *testing.T) {
	_, err := Dialector(&config.Config{DBDriver: "mongo"})
	assert.Error(t, err)

	d, err := Dialector(&config.Config{DBDriver: "postgres", DBHost: "db", DBPort: "5432"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
}
