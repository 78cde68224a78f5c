package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dispatchd/internal/registry"
	"dispatchd/internal/store"
)

func newModelsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and seed managed models without running the service",
	}
	cmd.AddCommand(newModelsImportCmd(configPath), newModelsListCmd(configPath))
	return cmd
}

func newModelsImportCmd(configPath *string) *cobra.Command {
	var skipExisting bool
	cmd := &cobra.Command{
		Use:   "import <file-or-dir>",
		Short: "Queue the model groups described by seed files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			seeds, err := registry.Load(args[0])
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			existing := map[string]bool{}
			if skipExisting {
				all, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, m := range all {
					existing[m.GroupName] = true
				}
			}
			out := cmd.OutOrStdout()
			created, skipped := 0, 0
			for _, n := range seeds {
				if existing[n.GroupName] {
					skipped++
					continue
				}
				m, err := st.Create(cmd.Context(), n)
				if err != nil {
					return fmt.Errorf("import %s: %w", n.GroupName, err)
				}
				created++
				fmt.Fprintf(out, "queued %d %s (%d definitions)\n", m.ID, m.GroupName, len(m.Definitions))
			}
			fmt.Fprintf(out, "imported %d, skipped %d\n", created, skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "skip groups whose name is already stored")
	return cmd
}

func newModelsListCmd(configPath *string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List managed models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			statuses, err := parseStatuses(status)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ms, err := st.List(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tGROUP\tSTATUS\tUSED\tLIMIT\tROUTES\tPROXY\tLAST ERROR")
			for _, m := range ms {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					m.ID, m.GroupName, m.Status, m.RequestsToday, m.DailyRequestLimit,
					len(m.RoutingIDs), m.ProxyHandle, m.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses to include")
	return cmd
}

func parseStatuses(raw string) ([]store.Status, error) {
	var out []store.Status
	for _, s := range splitCSV(raw) {
		st := store.Status(strings.ToLower(s))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
