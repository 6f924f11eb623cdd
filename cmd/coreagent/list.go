package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/busoc/coreagent/internal/config"
	"github.com/busoc/coreagent/internal/cronsched"
	"github.com/busoc/coreagent/internal/logging"
	"github.com/busoc/coreagent/internal/schedstore"
)

func newListCommand(configFile *string) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the upcoming fire times of the persisted schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			store := schedstore.New(cfg.Schedule.RawFile, cfg.Schedule.SnapFile, logging.Nop())
			sched, err := store.Load()
			if err != nil {
				return err
			}
			if sched == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no schedule persisted yet")
				return nil
			}
			return listUpcoming(cmd, sched, count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of upcoming fire times to print")
	return cmd
}

// listUpcoming prints, for each of the next n fire instants, every entry
// due at that instant, in the teacher's "%N | field | field" tabular
// style.
func listUpcoming(cmd *cobra.Command, s *cronsched.Schedule, n int) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%3s | %-20s | %-8s | %s\n", "#", "WHEN", "KIND", "ENTRY")

	now := time.Now()
	for i := 0; i < n; i++ {
		entries, _ := cronsched.GetNextSchedules(s, now, false)
		if len(entries) == 0 {
			break
		}
		fireAt, ok := cronsched.NextFireTime(entries[len(entries)-1], now)
		if !ok {
			break
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%3d | %-20s | %-8s | %s\n", i+1, fireAt.Format("2006-01-02T15:04:05"), e.EntryKind, e.Render())
		}
		now = fireAt
	}
	return nil
}
