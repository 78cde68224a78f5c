package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Capacity dispatcher for quota-limited upstream models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DISPATCHD_CONFIG"), "path to config file (.yaml, .json, .toml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newCycleCmd(&configPath),
		newResetUsageCmd(&configPath),
		newModelsCmd(&configPath),
		newTunnelCmd(),
	)
	return root
}
