package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecgard/bursar/internal/agent"
	"github.com/alecgard/bursar/internal/config"
	"github.com/alecgard/bursar/internal/ledger"
	"github.com/alecgard/bursar/internal/provider"
	"github.com/alecgard/bursar/internal/token"
	"github.com/alecgard/bursar/internal/user"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed an admin user, a demo agent with budget, and an approver key",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

const demoAgentBudget = 50_000_000 // $50

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	envelope, err := token.NewEnvelopeHex(cfg.Crypto.MasterKey)
	if err != nil {
		return err
	}
	signer := token.NewICSigner(cfg.Crypto.TokenSecret)

	agentStore := agent.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)
	providerStore := provider.NewStore(pool, envelope)
	userStore := user.NewStore(pool)
	approverStore := user.NewApproverStore(pool)

	// Check if seed has already run.
	existing, _, err := agentStore.List(ctx, agent.ListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing agents: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	// Admin user with a one-time random password.
	password, err := randomHex(16)
	if err != nil {
		return err
	}
	admin, err := userStore.Create(ctx, user.CreateUserInput{
		Email:    "admin@bursar.local",
		Password: password,
		Name:     "Admin",
		Role:     "admin",
	})
	if err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}
	slog.Info("created admin user", "email", admin.Email)

	// Demo agent with a funded ledger and an identity credential.
	ag, err := agentStore.Create(ctx, agent.CreateAgentInput{
		Name: "demo-agent",
		Team: "demo",
	})
	if err != nil {
		return fmt.Errorf("creating demo agent: %w", err)
	}
	if _, err := ledgerStore.Create(ctx, ag.ID, demoAgentBudget); err != nil {
		return fmt.Errorf("funding demo agent: %w", err)
	}
	icToken, err := signer.Sign(token.NewICClaims(ag.ID, "bud_"+ag.ID,
		[]string{"handshake", "report", "refresh", "return"}, 30*24*time.Hour))
	if err != nil {
		return fmt.Errorf("minting ic token: %w", err)
	}
	slog.Info("created demo agent", "id", ag.ID, "name", ag.Name)

	// Refresh approver credential, shown once.
	_, approverKey, err := approverStore.Create(ctx, "demo-approver", "approver")
	if err != nil {
		return fmt.Errorf("creating approver key: %w", err)
	}

	// Seed an OpenAI key when one is in the environment; a fresh install
	// without one still works, handshakes just get provider_unavailable.
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		k, err := providerStore.Create(ctx, provider.CreateKeyInput{
			Provider:     "openai",
			BaseURL:      "https://api.openai.com/v1",
			PlaintextKey: apiKey,
		})
		if err != nil {
			return fmt.Errorf("creating openai provider key: %w", err)
		}
		slog.Info("created provider key", "provider", k.Provider, "id", k.ID)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Admin:        %s / %s\n", admin.Email, password)
	fmt.Printf("Agent:        %s (%s), budget $%.2f\n", ag.Name, ag.ID, float64(demoAgentBudget)/1_000_000)
	fmt.Printf("IC Token:     %s\n", icToken)
	fmt.Printf("Approver Key: %s\n", approverKey)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -X POST http://localhost:8080/budget/handshake \\\n")
	fmt.Printf("    -d '{\"ic_token\":\"%s\",\"provider\":\"openai\",\"requested_budget\":10000000}'\n", icToken)

	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
