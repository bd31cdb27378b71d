package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "eventgate <command>",
	Short: "Reliable event delivery gateway",
	Long: `eventgate routes events from backend publishers to subscribed clients
with per-actor ordering, layered authorization, acknowledged delivery for
critical events, and a poll-based fallback path.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(policyCmd)
}
