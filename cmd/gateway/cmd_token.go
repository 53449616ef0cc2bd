package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/auth/credential"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/runtime"
)

var (
	tokenUser    string
	tokenName    string
	tokenExpires time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCreateCmd, tokenRevokeCmd)

	tokenCreateCmd.Flags().StringVar(&tokenUser, "user", "", "user id the token acts for")
	tokenCreateCmd.Flags().StringVar(&tokenName, "name", "", "label shown in listings")
	tokenCreateCmd.Flags().DurationVar(&tokenExpires, "expires-in", 0, "lifetime of the token (0 never expires)")
	_ = tokenCreateCmd.MarkFlagRequired("user")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API token and print its secret once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		secret, err := credential.GenerateToken()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		token := &domain.APIToken{
			ID:        uuid.NewString(),
			UserID:    tokenUser,
			Name:      tokenName,
			TokenHash: credential.HashToken(secret),
			CreatedAt: now,
		}
		if tokenExpires > 0 {
			expires := now.Add(tokenExpires)
			token.ExpiresAt = &expires
		}

		if err := store.CreateAPIToken(cmd.Context(), token); err != nil {
			return fmt.Errorf("create token: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Token ID: %s\n", token.ID)
		fmt.Fprintf(out, "Secret:   %s\n", secret)
		fmt.Fprintln(out, "The secret is not stored and cannot be shown again.")
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token-id>",
	Short: "Revoke an API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeAPIToken(cmd.Context(), args[0], time.Now().UTC()); err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				return fmt.Errorf("token %s not found or already revoked", args[0])
			}
			return fmt.Errorf("revoke token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token %s revoked.\n", args[0])
		return nil
	},
}

func openStore(cmd *cobra.Command) (ports.StorageProvider, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := runtime.OpenStorage(cmd.Context(), cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}
