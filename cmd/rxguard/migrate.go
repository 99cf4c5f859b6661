package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	var admins []string
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations and seed admin accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := postgres.NewMigrator(a.pool, a.logger).Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)

			store := a.store()
			for _, arg := range admins {
				created, err := seedAdmin(cmd.Context(), store, arg)
				if err != nil {
					return err
				}
				if created {
					a.logger.Info("admin seeded", zap.String("admin", arg))
					fmt.Fprintf(cmd.OutOrStdout(), "admin %s added\n", arg)
				}
			}
			return nil
		},
	}
	upCmd.Flags().StringSliceVar(&admins, "admin", nil, "seed an admin account, as <platform id>[:<handle>] (repeatable)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			statuses, err := postgres.NewMigrator(a.pool, a.logger).Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.AppliedAt != nil {
					state = "applied " + s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%03d %-30s %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	}

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

// adminStore is the part of the store admin seeding needs.
type adminStore interface {
	UserByExternalID(ctx context.Context, externalID int64) (*user.User, error)
	CreateUser(ctx context.Context, u *user.User) error
}

// parseAdmin parses "<platform id>[:<handle>]".
func parseAdmin(arg string) (*user.User, error) {
	idPart, handle, _ := strings.Cut(strings.TrimSpace(arg), ":")
	id, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("admin %q: platform id must be a positive integer", arg)
	}
	return &user.User{ExternalID: id, Handle: user.NormalizeHandle(handle), Role: user.RoleAdmin}, nil
}

// seedAdmin creates the admin described by arg unless the platform id is
// already registered.
func seedAdmin(ctx context.Context, store adminStore, arg string) (bool, error) {
	u, err := parseAdmin(arg)
	if err != nil {
		return false, err
	}
	existing, err := store.UserByExternalID(ctx, u.ExternalID)
	switch {
	case err == nil:
		if existing.Role != user.RoleAdmin {
			return false, fmt.Errorf("platform id %d is already registered as %s", u.ExternalID, existing.Role)
		}
		return false, nil
	case !errors.Is(err, user.ErrNotFound):
		return false, fmt.Errorf("look up admin: %w", err)
	}
	if err := store.CreateUser(ctx, u); err != nil {
		return false, fmt.Errorf("create admin: %w", err)
	}
	return true, nil
}
