package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "simd",
		Short: "Cooperative simulation host",
		Long: `simd runs a quantum-stepped update loop with per-subscriber
visibility rendering, scheduled tasks and an async worker pool.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "./config.yaml", "path to config (json or yaml)")
	root.AddCommand(newRunCmd(), newCheckCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}
