package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/erkineren/agentgate/internal/github"
	"github.com/erkineren/agentgate/internal/webhook"
)

func newValidateTokenCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-token",
		Short: "Check that the configured GitHub token is accepted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, ok := a.settings.ResolveGitHubToken()
			if !ok {
				return github.ErrNoToken
			}
			client, err := github.NewClient(token)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			login, err := client.ValidateToken(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "GitHub token is valid for %s\n", login)
			return nil
		},
	}
}

func newWebhooksCommand(a *app) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "List the loaded webhook configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configs, err := webhook.LoadConfigs(a.settings.WebhookConfigFile)
			if err != nil {
				return err
			}
			if asYAML {
				return printYAML(cmd.OutOrStdout(), configs)
			}
			return printWebhooks(cmd.OutOrStdout(), configs)
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the full configuration as YAML")
	return cmd
}

func printWebhooks(w io.Writer, configs []webhook.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENDPOINT\tSOURCE\tDEFAULT\tCOMMANDS")
	for _, cfg := range configs {
		names := make([]string, 0, len(cfg.Commands))
		for _, c := range cfg.Commands {
			names = append(names, c.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", cfg.Name, cfg.Endpoint, cfg.Source, cfg.DefaultCommand, names)
	}
	return tw.Flush()
}

func printYAML(w io.Writer, configs []webhook.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"webhooks": configs}); err != nil {
		return errors.Join(fmt.Errorf("failed to encode webhooks: %w", err), enc.Close())
	}
	return enc.Close()
}
