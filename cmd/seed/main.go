// Package main provides a utility to seed development data and rotate the
// signing key.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/tendant/simple-authz/internal/auth"
	"github.com/tendant/simple-authz/internal/config"
	"github.com/tendant/simple-authz/internal/crypto"
	idperrors "github.com/tendant/simple-authz/internal/errors"
	"github.com/tendant/simple-authz/internal/pkce"
	"github.com/tendant/simple-authz/internal/scope"
	"github.com/tendant/simple-authz/internal/store"
	"github.com/tendant/simple-authz/internal/store/file"
	"github.com/tendant/simple-authz/internal/store/postgres"
)

const (
	demoClientID = "test-client"
	demoRedirect = "http://localhost:3000/callback"
	demoEmail    = "test@example.com"
	demoPassword = "password123"
	demoVerifier = "dBjftJeZ4CVP-mJ92IZ0GU3d-ZxqkZf0wBoWBxNjB7n8fA"
)

func main() {
	rotateKey := flag.Bool("rotate-key", false, "Rotate the active signing key and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	var st store.Store
	switch cfg.Store {
	case config.StorePostgres:
		st, err = postgres.Connect(ctx, cfg.DatabaseURL)
	case config.StoreFile:
		st, err = file.NewStore(cfg.DataDir)
	default:
		log.Fatalf("Seeding needs a persistent store, AUTHZ_STORE is %q", cfg.Store)
	}
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	keyService := crypto.NewKeyService(st.SigningKeys())
	if *rotateKey {
		kp, err := keyService.RotateKey(ctx, cfg.SigningKeyRetention)
		if err != nil {
			log.Fatalf("Failed to rotate signing key: %v", err)
		}
		fmt.Printf("Rotated signing key, new kid: %s (previous key retained for %s)\n", kp.Kid, cfg.SigningKeyRetention)
		return
	}

	authService := auth.NewService(st.Users(), st.Clients())

	client, err := authService.CreateClient(ctx, demoClientID, "Test Application", demoRedirect,
		scope.MustFromString("task:api profile token:refresh token:refresh:issue-large-ttl"))
	switch {
	case idperrors.IsCode(err, idperrors.CodeAlreadyExists):
		fmt.Printf("Client already exists: %s\n", demoClientID)
	case err != nil:
		log.Fatalf("Failed to create client: %v", err)
	default:
		fmt.Printf("Created client: %s\n", client.ID)
	}

	user, err := authService.CreateUser(ctx, demoEmail, demoPassword, true)
	switch {
	case idperrors.IsCode(err, idperrors.CodeAlreadyExists):
		fmt.Printf("User already exists: %s\n", demoEmail)
	case err != nil:
		log.Fatalf("Failed to create user: %v", err)
	default:
		fmt.Printf("Created user: %s (password: %s)\n", user.Email, demoPassword)
	}

	if _, err := keyService.EnsureActiveKey(ctx); err != nil {
		log.Fatalf("Failed to create signing key: %v", err)
	}

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {demoClientID},
		"redirect_uri":          {demoRedirect},
		"scope":                 {"task:api profile token:refresh"},
		"state":                 {"test123"},
		"code_challenge":        {pkce.ChallengeS256(demoVerifier)},
		"code_challenge_method": {string(pkce.MethodS256)},
	}

	fmt.Println("\nSeed data created successfully!")
	fmt.Println("\nTest with:")
	fmt.Println("  1. Start server: go run ./cmd/authz")
	fmt.Printf("  2. Open browser: %s/authorize?%s\n", cfg.IssuerURL, q.Encode())
	fmt.Printf("  3. Login with: %s / %s\n", demoEmail, demoPassword)
	fmt.Printf("  4. Exchange the code with code_verifier=%s\n", demoVerifier)

	os.Exit(0)
}
