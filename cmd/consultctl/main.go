// Command consultctl drives session-service from a terminal: it reads and
// changes the session with one psychic and can mirror it live.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	h := &commandHandler{}

	rootCmd := &cobra.Command{
		Use:   "consultctl",
		Short: "Psychic consultation session CLI",
		Long: `consultctl talks to session-service.

The API address and access token come from flags or the environment:
- CONSULT_API_URL (default http://localhost:8080)
- CONSULT_TOKEN`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&h.baseURL, "api", envOr("CONSULT_API_URL", "http://localhost:8080"), "session-service base URL")
	rootCmd.PersistentFlags().StringVar(&h.token, "token", os.Getenv("CONSULT_TOKEN"), "access token")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "status <psychic-id>",
			Short: "Show the session status with a psychic",
			Args:  cobra.ExactArgs(1),
			RunE:  h.StatusCmd,
		},
		&cobra.Command{
			Use:   "start-free <psychic-id>",
			Short: "Start the one free minute",
			Args:  cobra.ExactArgs(1),
			RunE:  h.StartFreeCmd,
		},
		&cobra.Command{
			Use:   "start-paid <psychic-id>",
			Short: "Start a paid session (debits the first minute)",
			Args:  cobra.ExactArgs(1),
			RunE:  h.StartPaidCmd,
		},
		&cobra.Command{
			Use:   "stop <psychic-id>",
			Short: "Stop the running session",
			Args:  cobra.ExactArgs(1),
			RunE:  h.StopCmd,
		},
		&cobra.Command{
			Use:   "wallet",
			Short: "Show credit balance",
			Args:  cobra.NoArgs,
			RunE:  h.WalletCmd,
		},
		&cobra.Command{
			Use:   "plans",
			Short: "List credit packages",
			Args:  cobra.NoArgs,
			RunE:  h.PlansCmd,
		},
	)

	watchCmd := &cobra.Command{
		Use:   "watch <psychic-id>",
		Short: "Follow the session live (push socket with polling fallback)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.WatchCmd,
	}
	watchCmd.Flags().BoolVar(&h.autoFree, "auto-free", true, "start the free minute automatically when it is unused")
	rootCmd.AddCommand(watchCmd)
	return rootCmd
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
