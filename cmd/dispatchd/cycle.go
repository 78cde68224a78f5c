package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newCycleCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one dispatch cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, stderrLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.dispatcher.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cycle took %s\n", rep.Duration)
			fmt.Fprintf(out, "exhausted: %v\npromoted:  %v\n", rep.Exhausted, rep.Promoted)
			ids := make([]int64, 0, len(rep.Failures))
			for id := range rep.Failures {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, id := range ids {
				fmt.Fprintf(out, "failed %d: %s\n", id, rep.Failures[id])
			}
			fmt.Fprintf(out, "counts: %v\n", rep.Counts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle report as JSON")
	return cmd
}

func newResetUsageCmd(configPath *string) *cobra.Command {
	var requeue bool
	cmd := &cobra.Command{
		Use:   "reset-usage",
		Short: "Zero the cached daily counters, optionally requeueing exhausted models",
		Long: "Run once per quota day, after the upstream quota resets. Exhausted models stay\n" +
			"exhausted unless --requeue-exhausted is set or dispatch.requeue_on_reset is true.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, stderrLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.dispatcher.ResetUsage(cmd.Context(), requeue)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d counters, requeued %d models\n", rep.Reset, rep.Requeued)
			return nil
		},
	}
	cmd.Flags().BoolVar(&requeue, "requeue-exhausted", false, "move exhausted models back to the queue")
	return cmd
}
