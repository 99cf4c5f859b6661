package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxguard/internal/config"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage stream topics",
	}

	admin := func() (*config.Config, *redpanda.Admin, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		logger, err := cfg.NewLogger()
		if err != nil {
			return nil, nil, err
		}
		adm, err := redpanda.NewAdmin(cfg.Brokers(), logger)
		if err != nil {
			return nil, nil, err
		}
		return cfg, adm, nil
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create missing topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, adm, err := admin()
			if err != nil {
				return err
			}
			defer adm.Close()

			created, err := adm.EnsureTopics(cmd.Context(), redpanda.DefaultTopicConfigs(redpanda.TopicNames{
				Actions: cfg.ActionsTopic,
				Replies: cfg.RepliesTopic,
				Audit:   cfg.AuditTopic,
			}))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d topic(s)\n", len(created))
			for _, t := range created {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+t)
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, adm, err := admin()
			if err != nil {
				return err
			}
			defer adm.Close()

			names, err := adm.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	var group string
	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, adm, err := admin()
			if err != nil {
				return err
			}
			defer adm.Close()

			if group == "" {
				group = cfg.ConsumerGroup
			}
			lags, err := adm.Lag(cmd.Context(), group)
			if err != nil {
				return err
			}
			var total int64
			for _, l := range lags {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %3d %d\n", l.Topic, l.Partition, l.Lag)
				total += l.Lag
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total lag for %s: %d\n", group, total)
			return nil
		},
	}
	lagCmd.Flags().StringVar(&group, "group", "", "consumer group (defaults to CONSUMER_GROUP)")

	cmd.AddCommand(ensureCmd, listCmd, lagCmd)
	return cmd
}
