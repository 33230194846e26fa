package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/config"
	"github.com/sudo-init-do/strathshare/internal/db"
)

func main() {
	email := flag.String("email", "", "Email of the user to promote to admin")
	flag.Parse()

	if *email == "" {
		log.Fatalf("usage: go run cmd/adminutil/promote_admin/main.go -email user@example.com")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()
	pool, err := db.Init(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	addr := strings.ToLower(strings.TrimSpace(*email))
	err = auth.NewPgStore(pool).SetRole(ctx, addr, auth.RoleAdmin)
	if errors.Is(err, auth.ErrNotFound) {
		log.Fatalf("no user found with email: %s", addr)
	}
	if err != nil {
		log.Fatalf("failed to promote user to admin: %v", err)
	}

	fmt.Printf("User %s promoted to admin.\n", addr)
}
