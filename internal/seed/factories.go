// Package seed provides helpers to create demo data for local development
// and fixtures for tests. It writes through the repositories so it works
// against every supported store.
package seed

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"skillchat/internal/models"
	"skillchat/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
)

// DefaultPassword is the password given to every seeded account.
const DefaultPassword = "password123"

// Factory builds domain entities and persists them through the repositories.
type Factory struct {
	chat  repository.ChatRepository
	users repository.UserRepository
	faker *gofakeit.Faker
	rng   *rand.Rand

	maxDays  int
	passHash string
}

// NewFactory creates a Factory. A zero seed picks a time-based one.
func NewFactory(chat repository.ChatRepository, users repository.UserRepository, seed int64) *Factory {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Factory{
		chat:    chat,
		users:   users,
		faker:   gofakeit.New(seed),
		rng:     rand.New(rand.NewSource(seed)),
		maxDays: 30,
	}
}

func (f *Factory) password() (string, error) {
	if f.passHash != "" {
		return f.passHash, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.MinCost)
	if err != nil {
		return "", fmt.Errorf("hash seed password: %w", err)
	}
	f.passHash = string(hash)
	return f.passHash, nil
}

// BuildUser returns an unsaved human user with fake profile data.
func (f *Factory) BuildUser(overrides ...func(*models.User)) *models.User {
	username := strings.ToLower(f.faker.Username()) + fmt.Sprintf("%03d", f.rng.Intn(1000))
	u := &models.User{
		Username: username,
		Email:    username + "@" + strings.ToLower(f.faker.DomainName()),
		Avatar:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", f.faker.UUID()),
	}
	for _, o := range overrides {
		o(u)
	}
	return u
}

// CreateUser persists a fake human user.
func (f *Factory) CreateUser(ctx context.Context, overrides ...func(*models.User)) (*models.User, error) {
	u := f.BuildUser(overrides...)
	hash, err := f.password()
	if err != nil {
		return nil, err
	}
	u.Password = hash
	if err := f.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateBot persists a bot account whose email matches the default bot pattern.
func (f *Factory) CreateBot(ctx context.Context) (*models.User, error) {
	return f.CreateUser(ctx, func(u *models.User) {
		u.Username = "bot-" + u.Username
		u.Email = u.Username + "@bot.skillchat.local"
		u.IsBot = true
	})
}

// CreateConversation persists a conversation between members. More than two
// members make it a group with a fake name.
func (f *Factory) CreateConversation(ctx context.Context, members ...*models.User) (*models.Conversation, error) {
	if len(members) < 2 {
		return nil, fmt.Errorf("a conversation needs at least two members, got %d", len(members))
	}
	conv := &models.Conversation{CreatedBy: members[0].ID, IsGroup: len(members) > 2}
	if conv.IsGroup {
		conv.Name = f.faker.HipsterWord() + " " + f.faker.Noun()
	}
	if err := f.chat.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	for _, m := range members {
		role := models.RoleHuman
		if m.IsBot {
			role = models.RoleBot
		}
		if err := f.chat.AddMember(ctx, conv.ID, m.ID, role); err != nil {
			return nil, err
		}
	}
	return f.chat.GetConversation(ctx, conv.ID)
}

// CreateMessages writes n messages from random human members, oldest first.
// Human recipients' unread counters grow with every message and bots see
// each one on arrival, exactly as live sends do.
func (f *Factory) CreateMessages(ctx context.Context, conv *models.Conversation, n int) ([]*models.Message, error) {
	var senders []uint
	for _, m := range conv.Members {
		if m.Role == models.RoleHuman {
			senders = append(senders, m.UserID)
		}
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("conversation %d has no human members", conv.ID)
	}

	start := time.Now().Add(-time.Duration(f.rng.Intn(f.maxDays)+1) * 24 * time.Hour)
	msgs := make([]*models.Message, 0, n)
	at := start
	for i := 0; i < n; i++ {
		at = at.Add(time.Duration(f.rng.Intn(90)+1) * time.Minute)
		msg := &models.Message{
			ConversationID: conv.ID,
			SenderID:       senders[f.rng.Intn(len(senders))],
			Text:           f.faker.Sentence(f.rng.Intn(12) + 3),
			CreatedAt:      at,
		}
		if f.rng.Intn(10) == 0 {
			msg.AttachmentURL = fmt.Sprintf("https://picsum.photos/seed/%s/800/600", f.faker.UUID())
			if f.rng.Intn(2) == 0 {
				msg.Text = ""
			}
		}
		if err := f.chat.CreateMessage(ctx, msg); err != nil {
			return nil, err
		}
		for _, m := range conv.Members {
			if m.UserID == msg.SenderID {
				continue
			}
			if m.Role == models.RoleBot {
				// Bots consume a message the moment it arrives.
				if err := f.chat.MarkSeen(ctx, m.UserID, []uint{msg.ID}, msg.CreatedAt); err != nil {
					return nil, err
				}
				continue
			}
			if err := f.chat.IncrementUnread(ctx, conv.ID, m.UserID, 1); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if err := f.chat.UpdateLatestMessage(ctx, conv.ID, last.Preview(), last.CreatedAt); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}
