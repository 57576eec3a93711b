package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sebas/agentphone/internal/agent/history"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		number string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent calls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()

			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			var records []history.Record
			if number != "" {
				records, err = store.ByNumber(cmd.Context(), number, limit)
			} else {
				records, err = store.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			renderHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of calls to show")
	cmd.Flags().StringVar(&number, "number", "", "only calls with this phone number")
	return cmd
}

func renderHistory(w io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No calls found")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Started", "Number", "Direction", "Status", "Duration", "Disposition", "Bridge"})
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, r := range records {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		table.Append([]string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.PhoneNumber,
			r.Direction,
			statusColor(r.Status),
			duration,
			r.Disposition,
			r.BridgeID,
		})
	}
	table.Render()
}

func statusColor(s history.Status) string {
	switch s {
	case history.StatusSuccess:
		return color.GreenString(string(s))
	case history.StatusFail, history.StatusRejected:
		return color.RedString(string(s))
	case history.StatusMissed:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}
