// bridgectl is the bridge operator's command-line tool: a cobra command tree
// for starting the bridge, listing write relays, printing MAIN_RELAYS with a
// relay added or removed, and a bubbletea TUI of relay circuit-breaker state.
// The circuit state shown is that of a Publisher created inside bridgectl
// from MAIN_RELAYS; bridgectl does not connect to a running bridge. Grounded on
// SAGE-X-project-sage's cobra root-command structure and stegodon's
// bubbletea model/update/view split (internal/server's dead predecessor and
// stegodon/ui/supertui.go both composed sub-models the same way).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/momobridge/bridge/internal/config"
	"github.com/momobridge/bridge/internal/subscription"
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Operate a NET-N/NET-A federation bridge",
	Long: `bridgectl starts the bridge process, prints the MAIN_RELAYS value with a
write relay added or removed (applied on the bridge's next restart), and shows
write-relay circuit-breaker state as a list or in a terminal UI. That state
belongs to a publisher bridgectl builds from MAIN_RELAYS, not to a running
bridge.`,
}

func main() {
	rootCmd.AddCommand(serveCmd, tuiCmd, relayCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge (equivalent to the bridge binary)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridge()
	},
}

// runBridge re-execs the bridge binary in-process so operators don't need
// two binaries on $PATH for the common case of "start everything".
func runBridge() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("bridgectl serve: resolve executable: %w", err)
	}
	bridgeBin := self
	if idx := strings.LastIndex(self, string(os.PathSeparator)); idx >= 0 {
		bridgeBin = self[:idx+1] + "bridge"
	}
	env := os.Environ()
	argv := []string{bridgeBin}
	return syscall.Exec(bridgeBin, argv, env)
}

// ─── relay ──────────────────────────────────────────────────────────────────

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Manage the bridge's write relays",
}

var relayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured write relays and their circuit-breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(os.Getenv("BRIDGE_CONFIG"))
		if err != nil {
			return err
		}
		pub := subscription.NewPublisher(cfg.MainRelays)
		for _, s := range pub.RelayStatuses() {
			state := "closed"
			if s.CircuitOpen {
				state = fmt.Sprintf("open (cooldown %ds)", s.CooldownRemaining)
			}
			fmt.Printf("%-40s %-24s fails=%d\n", s.URL, state, s.FailCount)
		}
		return nil
	},
}

var relayAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Print the MAIN_RELAYS value with url appended",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(os.Getenv("BRIDGE_CONFIG"))
		if err != nil {
			return err
		}
		updated := append(append([]string{}, cfg.MainRelays...), args[0])
		fmt.Println(strings.Join(updated, ","))
		fmt.Fprintln(os.Stderr, "set MAIN_RELAYS to the line above and restart the bridge to apply it")
		return nil
	},
}

var relayRemoveCmd = &cobra.Command{
	Use:   "remove <url>",
	Short: "Print the MAIN_RELAYS value with url removed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(os.Getenv("BRIDGE_CONFIG"))
		if err != nil {
			return err
		}
		updated := make([]string, 0, len(cfg.MainRelays))
		for _, r := range cfg.MainRelays {
			if r != args[0] {
				updated = append(updated, r)
			}
		}
		fmt.Println(strings.Join(updated, ","))
		fmt.Fprintln(os.Stderr, "set MAIN_RELAYS to the line above and restart the bridge to apply it")
		return nil
	},
}

func init() {
	relayCmd.AddCommand(relayListCmd, relayAddCmd, relayRemoveCmd)
}

// ─── tui ────────────────────────────────────────────────────────────────────

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Watch relay circuit-breaker state live",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(os.Getenv("BRIDGE_CONFIG"))
		if err != nil {
			return err
		}
		pub := subscription.NewPublisher(cfg.MainRelays)
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		p := tea.NewProgram(newStatusModel(pub), tea.WithAltScreen())
		go func() {
			<-ctx.Done()
			p.Quit()
		}()
		_, err = p.Run()
		return err
	},
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	footerStyle = lipgloss.NewStyle().Faint(true)
	tableStyles = func() table.Styles {
		s := table.DefaultStyles()
		s.Header = s.Header.Bold(true).Foreground(lipgloss.Color("212")).BorderBottom(true)
		s.Selected = s.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
		return s
	}()
)

// statusModel polls a Publisher's RelayStatuses on a tick and renders them
// with bubbles/table, the same model/update/view split stegodon's
// ui/supertui.go composes its sub-models with.
type statusModel struct {
	pub      *subscription.Publisher
	table    table.Model
	lastPoll time.Time
}

type tickMsg time.Time

func newStatusModel(pub *subscription.Publisher) statusModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Relay", Width: 40},
			{Title: "Circuit", Width: 24},
			{Title: "Fails", Width: 6},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles)
	m := statusModel{pub: pub, table: t}
	m.refresh()
	return m
}

func (m *statusModel) refresh() {
	statuses := m.pub.RelayStatuses()
	rows := make([]table.Row, 0, len(statuses))
	for _, s := range statuses {
		state := "closed"
		if s.CircuitOpen {
			state = fmt.Sprintf("open (cooldown %ds)", s.CooldownRemaining)
		}
		rows = append(rows, table.Row{s.URL, state, fmt.Sprintf("%d", s.FailCount)})
	}
	m.table.SetRows(rows)
}

func tickEvery() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m statusModel) Init() tea.Cmd {
	return tickEvery()
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.refresh()
		m.lastPoll = time.Time(msg)
		return m, tickEvery()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m statusModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("bridge relay status") + "\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\n" + footerStyle.Render(fmt.Sprintf("last polled %s · q to quit", m.lastPoll.Format(time.TimeOnly))))
	return b.String()
}
