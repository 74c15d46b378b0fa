package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/history"
)

type historyFlags struct {
	configPath  string
	vlanID      int
	ip          string
	last        int
	minDuration time.Duration
	maxDuration time.Duration
	jsonOut     bool
	clear       bool
}

func newHistoryCmd() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the lease and cycle history",
		Long: `Query past hop cycles from the local history database: which VLANs were
visited, the identity held on each, cycle outcomes and durations.

Filters combine with AND. --clear wipes the database.`,
		Example: `  # Last 20 cycles
  chaosbot history --last 20

  # Everything done as 10.40.40.50 on VLAN 40
  chaosbot history --vlan 40 --ip 10.40.40.50

  # Long cycles only, as JSON
  chaosbot history --min-duration 5m --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to config.yml (default: search standard locations)")
	cmd.Flags().IntVar(&flags.vlanID, "vlan", 0, "Filter by VLAN ID")
	cmd.Flags().StringVar(&flags.ip, "ip", "", "Filter by leased IP")
	cmd.Flags().IntVar(&flags.last, "last", 50, "Maximum entries to return")
	cmd.Flags().DurationVar(&flags.minDuration, "min-duration", 0, "Minimum cycle duration")
	cmd.Flags().DurationVar(&flags.maxDuration, "max-duration", 0, "Maximum cycle duration")
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "Print entries as JSON")
	cmd.Flags().BoolVar(&flags.clear, "clear", false, "Delete all history entries")

	return cmd
}

func runHistory(flags *historyFlags) error {
	dbPath := ""
	if cfg, err := config.Load(flags.configPath); err == nil {
		dbPath = cfg.General.HistoryDB
	}
	store, err := history.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if flags.clear {
		n, err := store.Clear()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "cleared %d entries\n", n)
		return nil
	}

	entries, err := store.Query(history.Filter{
		VlanID:      flags.vlanID,
		IP:          flags.ip,
		Last:        flags.last,
		MinDuration: flags.minDuration,
		MaxDuration: flags.maxDuration,
	})
	if err != nil {
		return err
	}

	if flags.jsonOut {
		b, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Fprintln(os.Stdout, string(b))
		return nil
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no matching cycles")
		return nil
	}
	fmt.Fprintln(os.Stdout, renderHistoryTable(entries))
	return nil
}

var (
	historyHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	historyErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	historyOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
)

func renderHistoryTable(entries []history.Entry) string {
	var b strings.Builder
	b.WriteString(historyHeaderStyle.Render(fmt.Sprintf(
		"%-20s %-6s %-15s %-10s %-9s %s",
		"STARTED", "VLAN", "IP", "STATUS", "DURATION", "MODULES")))
	b.WriteString("\n")

	for _, e := range entries {
		status := e.Status
		switch status {
		case "complete":
			status = historyOKStyle.Render(fmt.Sprintf("%-10s", status))
		case "error":
			status = historyErrorStyle.Render(fmt.Sprintf("%-10s", status))
		default:
			status = fmt.Sprintf("%-10s", status)
		}
		b.WriteString(fmt.Sprintf("%-20s %-6d %-15s %s %-9s %s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.VlanID,
			e.IP,
			status,
			fmt.Sprintf("%.1fs", e.Duration),
			strings.Join(e.ModulesRun, ","),
		))
	}
	return strings.TrimRight(b.String(), "\n")
}
