package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"simkit/internal/config"
	"simkit/internal/host"
	logx "simkit/pkg/logx"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate a config file and print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return check(cmd, configPath(cmd))
		},
	}
}

func check(cmd *cobra.Command, path string) error {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	res, err := cfg.Resolve()
	if err != nil {
		return err
	}
	strat, err := host.SelectStrategy(res.HostVersion, host.LogSink{Log: logx.Nop()})
	if err != nil {
		return fmt.Errorf("host.version: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config:        %s\n", path)
	fmt.Fprintf(out, "clock:         enabled=%t quantum=%s\n", cfg.Clock.Enabled, res.Quantum)
	fmt.Fprintf(out, "task engine:   enabled=%t workers=%d queue=%d\n", res.EngineEnabled, res.Workers, res.QueueSize)
	fmt.Fprintf(out, "render:        every=%s vertical_axis=%t\n", res.RenderEvery, res.VerticalAxis)
	fmt.Fprintf(out, "host strategy: %s (version %s)\n", strat.Name(), res.HostVersion)
	return nil
}
