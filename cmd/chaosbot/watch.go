package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/chaoslab/chaosbot/internal/orchestrator"
)

type watchFlags struct {
	api      string
	interval time.Duration
}

func newWatchCmd() *cobra.Command {
	flags := &watchFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard for a running daemon",
		Long: `Poll a running chaosbot serve instance and render its state, current
identity and last cycle in a terminal dashboard.

Keys: q quits, c copies the last cycle as JSON to the clipboard.`,
		Example: `  chaosbot watch
  chaosbot watch --api http://10.0.0.5:8880 --interval 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newWatchModel(newAPIClient(flags.api), flags.interval)
			_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}

	cmd.Flags().StringVar(&flags.api, "api", "http://127.0.0.1:8880", "Base URL of the control API")
	cmd.Flags().DurationVar(&flags.interval, "interval", 2*time.Second, "Poll interval")

	return cmd
}

type statusMsg struct {
	status orchestrator.Status
	err    error
}

type watchTickMsg time.Time

type copyDoneMsg struct{ err error }

type watchModel struct {
	client   *apiClient
	interval time.Duration
	status   orchestrator.Status
	fetchErr error
	notice   string
	width    int
}

func newWatchModel(client *apiClient, interval time.Duration) watchModel {
	return watchModel{client: client, interval: interval}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus(), m.tick())
}

func (m watchModel) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		var st orchestrator.Status
		err := m.client.get("/api/v1/status", &st)
		return statusMsg{status: st, err: err}
	}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case watchTickMsg:
		return m, tea.Batch(m.fetchStatus(), m.tick())

	case statusMsg:
		if msg.err != nil {
			m.fetchErr = msg.err
		} else {
			m.fetchErr = nil
			m.status = msg.status
		}
		return m, nil

	case copyDoneMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("copy failed: %v", msg.err)
		} else {
			m.notice = "last cycle copied to clipboard"
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			return m, m.copyLastCycle()
		}
	}
	return m, nil
}

func (m watchModel) copyLastCycle() tea.Cmd {
	last := m.status.LastCycle
	return func() tea.Msg {
		if last == nil {
			return copyDoneMsg{err: fmt.Errorf("no cycle yet")}
		}
		b, err := json.MarshalIndent(last, "", "  ")
		if err != nil {
			return copyDoneMsg{err: err}
		}
		return copyDoneMsg{err: clipboard.WriteAll(string(b))}
	}
}

var (
	watchTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	watchLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	watchErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	watchBoxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	watchStateStyles = map[orchestrator.State]lipgloss.Style{
		orchestrator.StateIdle:      lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89")),
		orchestrator.StateHopping:   lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")),
		orchestrator.StateAttacking: lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")),
		orchestrator.StateCooldown:  lipgloss.NewStyle().Foreground(lipgloss.Color("#7dcfff")),
	}
)

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("chaosbot"))
	b.WriteString("\n\n")

	if m.fetchErr != nil {
		b.WriteString(watchErrStyle.Render(fmt.Sprintf("API error: %v", m.fetchErr)))
		b.WriteString("\n\n" + watchLabelStyle.Render("q: quit"))
		return b.String()
	}

	st := m.status
	stateStyle, ok := watchStateStyles[st.State]
	if !ok {
		stateStyle = lipgloss.NewStyle()
	}

	var info strings.Builder
	info.WriteString(fmt.Sprintf("%s %s\n", watchLabelStyle.Render("state:"), stateStyle.Render(string(st.State))))
	if st.VlanID != 0 {
		info.WriteString(fmt.Sprintf("%s VLAN %d as %s\n", watchLabelStyle.Render("identity:"), st.VlanID, st.SourceIP))
	}
	info.WriteString(fmt.Sprintf("%s %d\n", watchLabelStyle.Render("cycles:"), st.CycleCount))
	if !st.UptimeStart.IsZero() {
		info.WriteString(fmt.Sprintf("%s %s", watchLabelStyle.Render("uptime:"), time.Since(st.UptimeStart).Round(time.Second)))
	}
	b.WriteString(watchBoxStyle.Render(info.String()))
	b.WriteString("\n")

	if last := st.LastCycle; last != nil {
		var cyc strings.Builder
		cyc.WriteString(fmt.Sprintf("%s VLAN %d %s", watchLabelStyle.Render("last cycle:"), last.VlanID, last.Status))
		if last.SourceIP != "" {
			cyc.WriteString(" as " + last.SourceIP)
		}
		cyc.WriteString(fmt.Sprintf("\n%s %d", watchLabelStyle.Render("targets:"), last.TargetCount))
		for name, r := range last.Modules {
			cyc.WriteString(fmt.Sprintf("\n  %-12s %-8s %s", name, r.Status, r.Summary))
		}
		if last.Message != "" {
			cyc.WriteString("\n" + watchErrStyle.Render(last.Message))
		}
		b.WriteString(watchBoxStyle.Render(cyc.String()))
		b.WriteString("\n")
	}

	if m.notice != "" {
		b.WriteString(m.notice + "\n")
	}
	b.WriteString(watchLabelStyle.Render("q: quit  c: copy last cycle"))
	return b.String()
}
