package seed

import (
	"context"
	"fmt"
	"log"

	"skillchat/internal/models"
)

// Options configuration for the demo seeder
type Options struct {
	NumUsers           int
	NumBots            int
	NumGroups          int
	GroupSize          int
	MessagesPerConv    int
	DirectPairsPerUser int
	Seed               int64
}

// DefaultOptions is the preset used by cmd/seed without flags.
var DefaultOptions = Options{
	NumUsers:           12,
	NumBots:            1,
	NumGroups:          3,
	GroupSize:          4,
	MessagesPerConv:    15,
	DirectPairsPerUser: 2,
}

// Summary reports what a seeding run created.
type Summary struct {
	Users         int
	Bots          int
	Conversations int
	Messages      int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d users, %d bots, %d conversations, %d messages", s.Users, s.Bots, s.Conversations, s.Messages)
}

// Demo creates users, bots, direct and group conversations with history.
// Every human gets a direct conversation with every bot.
func (f *Factory) Demo(ctx context.Context, opts Options) (Summary, error) {
	var sum Summary
	if opts.NumUsers < 2 {
		return sum, fmt.Errorf("demo seeding needs at least two users, got %d", opts.NumUsers)
	}
	if opts.GroupSize < 3 {
		opts.GroupSize = 3
	}

	humans := make([]*models.User, 0, opts.NumUsers)
	for i := 0; i < opts.NumUsers; i++ {
		u, err := f.CreateUser(ctx)
		if err != nil {
			return sum, fmt.Errorf("create user: %w", err)
		}
		humans = append(humans, u)
		sum.Users++
	}

	bots := make([]*models.User, 0, opts.NumBots)
	for i := 0; i < opts.NumBots; i++ {
		b, err := f.CreateBot(ctx)
		if err != nil {
			return sum, fmt.Errorf("create bot: %w", err)
		}
		bots = append(bots, b)
		sum.Bots++
	}

	addConv := func(members ...*models.User) error {
		conv, err := f.CreateConversation(ctx, members...)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		sum.Conversations++
		msgs, err := f.CreateMessages(ctx, conv, opts.MessagesPerConv)
		if err != nil {
			return fmt.Errorf("create messages for conversation %d: %w", conv.ID, err)
		}
		sum.Messages += len(msgs)
		return nil
	}

	seen := make(map[[2]uint]bool)
	for i, u := range humans {
		for k := 1; k <= opts.DirectPairsPerUser; k++ {
			peer := humans[(i+k)%len(humans)]
			key := [2]uint{min(u.ID, peer.ID), max(u.ID, peer.ID)}
			if peer.ID == u.ID || seen[key] {
				continue
			}
			seen[key] = true
			if err := addConv(u, peer); err != nil {
				return sum, err
			}
		}
		for _, b := range bots {
			if err := addConv(u, b); err != nil {
				return sum, err
			}
		}
	}

	for g := 0; g < opts.NumGroups; g++ {
		members := make([]*models.User, 0, opts.GroupSize)
		for _, idx := range f.rng.Perm(len(humans))[:min(opts.GroupSize, len(humans))] {
			members = append(members, humans[idx])
		}
		if len(members) < 3 {
			break
		}
		if err := addConv(members...); err != nil {
			return sum, err
		}
	}

	log.Printf("Seeded %s", sum)
	return sum, nil
}
