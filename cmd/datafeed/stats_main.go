package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/datafeedhq/datafeed/internal/client"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-command timing stats of a running server",
		RunE:  runStats,
	}
	cmd.Flags().String("addr", "127.0.0.1:8082", "Server address")
	cmd.Flags().String("auth", "", "Server password")
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	password, _ := cmd.Flags().GetString("auth")

	c, err := client.DialTimeout(addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer c.Quit()

	if password != "" {
		if err := c.Auth(password); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	mtime, err := c.Mtime()
	if err != nil {
		return err
	}
	stats, err := c.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("%s %s   mtime %s\n\n",
		color.CyanString("datafeed"), addr,
		color.GreenString(time.Unix(mtime, 0).Format("2006-01-02 15:04:05")))

	methods := make([]string, 0, len(stats))
	for m := range stats {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"METHOD", "COUNT", "MIN", "AVG", "MAX", "TOTAL"})
	for _, m := range methods {
		s := stats[m]
		avg := 0.0
		if s.Count > 0 {
			avg = s.Total / float64(s.Count)
		}
		table.Append([]string{
			m,
			fmt.Sprintf("%d", s.Count),
			formatSecs(s.Min),
			formatSecs(avg),
			formatSecs(s.Max),
			formatSecs(s.Total),
		})
	}
	table.Render()
	return nil
}

// formatSecs renders a seconds value at a readable scale, red when slow.
func formatSecs(s float64) string {
	var out string
	switch {
	case s >= 1:
		out = fmt.Sprintf("%.2fs", s)
	case s >= 0.001:
		out = fmt.Sprintf("%.2fms", s*1e3)
	default:
		out = fmt.Sprintf("%.0fµs", s*1e6)
	}
	if s >= 0.5 {
		return color.RedString(out)
	}
	return out
}
