package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/config"
	"github.com/sudo-init-do/strathshare/internal/db"
	"github.com/sudo-init-do/strathshare/internal/marketplace"
)

// abandon_request cancels a stuck assigned or in-progress request on behalf
// of an admin. Usage:
//
//	go run cmd/adminutil/abandon_request/main.go -id <request-id> -reason "provider unreachable" -admin ops@strathmore.edu
func main() {
	id := flag.String("id", "", "Request ID to abandon")
	reason := flag.String("reason", "", "Why the request is being abandoned")
	adminEmail := flag.String("admin", "", "Email of the admin performing the action")
	flag.Parse()

	if *id == "" || strings.TrimSpace(*reason) == "" || *adminEmail == "" {
		log.Fatalf("usage: go run cmd/adminutil/abandon_request/main.go -id <request-id> -reason <text> -admin <email>")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Init(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	acct, err := auth.NewPgStore(pool).ByEmail(ctx, strings.ToLower(*adminEmail))
	if err != nil {
		log.Fatalf("lookup admin %s: %v", *adminEmail, err)
	}

	taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer taskClient.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sink := alerts.NewDispatcher(logger,
		alerts.WithNotifications(alerts.NewPgNotifications(pool)),
		alerts.WithEmailQueue(alerts.NewQueue(taskClient)),
	)
	engine := marketplace.NewEngine(marketplace.NewPgStore(pool), sink,
		marketplace.WithLogger(logger),
		marketplace.WithAdminEmail(cfg.AdminEmail),
	)

	req, err := engine.Abandon(ctx, auth.Principal{UserID: acct.ID, Role: acct.Role}, *id, *reason)
	if err != nil {
		log.Fatalf("abandon %s: %v", *id, err)
	}
	fmt.Printf("Request %s abandoned (status %s).\n", req.ID, req.Status)
}
