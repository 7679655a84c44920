package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"health-assistant-be/internal/bootstrap"
	"health-assistant-be/internal/config"
	"health-assistant-be/internal/dto"
)

// Smoke CLI: sends one question through the full pipeline and prints the
// streamed answer plus the result metadata.
func main() {
	userID := flag.String("user", "cli-user", "user id")
	sessionID := flag.String("session", "", "session id (empty = new session)")
	memoryOn := flag.Bool("memory", true, "enable short-term memory")
	flag.Parse()

	question := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: ask [-user id] [-session id] <question>")
		os.Exit(2)
	}

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.Database.Connection), &gorm.Config{})
	if err != nil {
		log.Fatalf("[FATAL] Failed to connect to database: %v", err)
	}

	container := bootstrap.NewContainer(db, cfg)
	defer container.Shutdown()

	req := dto.AskRequest{
		UserID:                 *userID,
		SessionID:              *sessionID,
		Message:                question,
		ShortTermMemoryEnabled: *memoryOn,
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		log.Fatalf("[FATAL] Invalid request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := container.Engine.Ask(ctx, req.ToEngine(), func(token string) {
		fmt.Print(token)
	})
	if err != nil {
		log.Fatalf("[FATAL] Ask failed: %v", err)
	}
	fmt.Println()

	resp := dto.NewAskResponse(req.SessionID, res)
	fmt.Printf("\n--- session=%s type=%s iterations=%d ---\n", resp.SessionID, resp.QueryType, resp.Iterations)
	for _, ref := range resp.References {
		fmt.Printf("ref: %s\n", ref)
	}
	for _, f := range resp.FollowUps {
		fmt.Printf("follow-up: %s\n", f)
	}
}
