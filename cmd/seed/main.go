// Command seed populates the configured store with demo users, bots and conversations.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"skillchat/internal/bootstrap"
	"skillchat/internal/config"
	"skillchat/internal/seed"

	"github.com/joho/godotenv"
)

func main() {
	opts := seed.DefaultOptions
	flag.IntVar(&opts.NumUsers, "users", opts.NumUsers, "Number of human users to create")
	flag.IntVar(&opts.NumBots, "bots", opts.NumBots, "Number of bot accounts to create")
	flag.IntVar(&opts.NumGroups, "groups", opts.NumGroups, "Number of group conversations")
	flag.IntVar(&opts.GroupSize, "group-size", opts.GroupSize, "Members per group conversation")
	flag.IntVar(&opts.MessagesPerConv, "messages", opts.MessagesPerConv, "Messages per conversation")
	flag.IntVar(&opts.DirectPairsPerUser, "pairs", opts.DirectPairsPerUser, "Direct conversations started per user")
	flag.Int64Var(&opts.Seed, "seed", 0, "Random seed (0 picks one)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load .env: %v", err)
	}

	log.Println("🌱 SkillChat Seeder")
	log.Printf("Target: %d users, %d bots, %d groups, %d messages per conversation", opts.NumUsers, opts.NumBots, opts.NumGroups, opts.MessagesPerConv)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer func() { _ = rt.Close(context.Background()) }()

	sum, err := seed.NewFactory(rt.Chat, rt.Users, opts.Seed).Demo(ctx, opts)
	if err != nil {
		_ = rt.Close(context.Background())
		log.Fatalf("❌ Seeding failed after %s: %v", sum, err)
	}

	log.Println("✨ All done!")
	log.Printf("📧 All seeded users have the password: %s", seed.DefaultPassword)
}
