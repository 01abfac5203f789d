package main

import (
	"context"
	"encoding/json"
	"fmt"

	"example/chat-gateway/app"
	"example/chat-gateway/app/config"
	"example/chat-gateway/app/models"

	"github.com/spf13/cobra"
)

// opener connects to the configured store. The returned func releases it.
type opener func(ctx context.Context) (*app.Users, func() error, error)

func openUsers(ctx context.Context) (*app.Users, func() error, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	app.InitLogging(cfg.Logs)
	docs, closeDocs, err := app.OpenDocumentStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open document store: %w", err)
	}
	return app.NewUsers(docs, false), closeDocs, nil
}

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "chatctl",
		Short:        "Inspect and adjust chat gateway users",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newUserCmd(open),
		newSetTierCmd(open),
		newResetUsageCmd(open),
	)
	return rootCmd
}

func writeUser(cmd *cobra.Command, user models.User) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(user)
}

// withUsers opens the store for the duration of fn.
func withUsers(cmd *cobra.Command, open opener, fn func(*app.Users) (models.User, error)) error {
	users, closeStore, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	user, err := fn(users)
	if err != nil {
		return err
	}
	return writeUser(cmd, user)
}

func newUserCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "user <uid>",
		Short: "Print a user record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd, open, func(users *app.Users) (models.User, error) {
				return users.Get(cmd.Context(), args[0])
			})
		},
	}
}

func newSetTierCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:       "set-tier <uid> <free|premium>",
		Short:     "Move a user to a tier and mark the subscription active",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(models.TierFree), string(models.TierPremium)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd, open, func(users *app.Users) (models.User, error) {
				return users.SetTier(cmd.Context(), args[0], models.Tier(args[1]))
			})
		},
	}
}

func newResetUsageCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-usage <uid>",
		Short: "Zero a user's free-tier message count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd, open, func(users *app.Users) (models.User, error) {
				return users.ResetUsage(cmd.Context(), args[0])
			})
		},
	}
}
