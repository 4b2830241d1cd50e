package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/broadcast"
	"rollcall/internal/config"
	"rollcall/internal/store"
)

// Worker tails session lifecycle events across all courses and writes
// them to the log. Useful for ops visibility; receivers of these
// events must re-query session state rather than trust them as proof.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	events := broadcast.NewRedis(redisClient.Client)

	messages, err := events.Subscribe(ctx, broadcast.CourseChannel("*"))
	if err != nil {
		log.Fatalf("subscribe failed: %v", err)
	}

	log.Println("worker started, tailing session events...")
	for evt := range messages {
		switch evt.Type {
		case broadcast.EventSessionStarted:
			log.Printf("session %s started for course %s (method %s)", evt.SessionID, evt.CourseID, evt.Method)
		case broadcast.EventSessionStopped:
			log.Printf("session %s stopped for course %s", evt.SessionID, evt.CourseID)
		default:
			log.Printf("unknown event %q on course %s", evt.Type, evt.CourseID)
		}
	}

	log.Println("worker stopped")
}
