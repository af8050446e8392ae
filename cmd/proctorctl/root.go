package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// cliContext carries the persistent flags shared by every command.
type cliContext struct {
	server string
	apiKey string
	asJSON bool
}

func (c *cliContext) client() *apiClient {
	return newAPIClient(c.server, c.apiKey)
}

func newRootCommand() *cobra.Command {
	ctx := &cliContext{}

	rootCmd := &cobra.Command{
		Use:           "proctorctl",
		Short:         "Review proctoring sessions and violations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.server, "server", envOr("PROCTOR_URL", defaultServer), "proctord base URL")
	rootCmd.PersistentFlags().StringVar(&ctx.apiKey, "api-key", os.Getenv("PROCTOR_API_KEY"), "Admin API key")
	rootCmd.PersistentFlags().BoolVar(&ctx.asJSON, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newSessionsCommand(ctx))
	rootCmd.AddCommand(newSessionCommand(ctx))
	rootCmd.AddCommand(newViolationsCommand(ctx))
	rootCmd.AddCommand(newAckCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
