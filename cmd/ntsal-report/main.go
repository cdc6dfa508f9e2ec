package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sys/unix"

	"github.com/ntsal/ntsal/internal/rpc"
	"github.com/ntsal/ntsal/internal/ui"
)

const fetchInfoPeriod = time.Second * 5

func main() {
	var socket string
	var pidPath string
	flag.StringVar(&socket, "socket", "/tmp/ntsald.sock", "Path to the daemon's control socket")
	flag.StringVar(&pidPath, "pid", "/var/run/ntsald.pid", "Path to the daemon's pid file")
	flag.Parse()

	m := reportModel{socket: socket, pidPath: pidPath, table: setupTable()}
	if _, err := tea.NewProgram(m).Run(); err != nil {
		log.Fatalf("could not run program: %v", err)
	}
}

type reportModel struct {
	socket  string
	pidPath string

	table  table.Model
	status *rpc.Status

	daemonKillStatus string
	err              error
}

type fetchStatusMessage *rpc.Status
type fetchErrorMessage error
type tickMsg time.Time

func fetchStatusCommand(m reportModel) tea.Cmd {
	return func() tea.Msg {
		status, err := rpc.FetchStatus(m.socket)
		if err != nil {
			return fetchErrorMessage(err)
		}
		return fetchStatusMessage(status)
	}
}

func stopDaemonCommand(m reportModel) tea.Cmd {
	return func() tea.Msg {
		if err := stopDaemon(m.pidPath); err != nil {
			return fetchErrorMessage(err)
		}
		return nil
	}
}

// stopDaemon signals the daemon named by the pid file rather than going
// through the socket, so it works even when the RPC loop is wedged.
func stopDaemon(pidPath string) error {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("parsing pid file %s: %w", pidPath, err)
	}
	return unix.Kill(pid, unix.SIGTERM)
}

func tickCommand(duration time.Duration) tea.Cmd {
	return tea.Tick(duration, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m reportModel) Init() tea.Cmd {
	return tickCommand(0)
}

func (m reportModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			if m.table.Focused() {
				m.table.Blur()
			} else {
				m.table.Focus()
			}
		case "stop", "s":
			m.daemonKillStatus = "Stopping ntsald"
			return m, tea.Sequence(stopDaemonCommand(m), tea.Quit)
		case "ctrl+c", "q":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	case fetchStatusMessage:
		m.status = msg
		m.err = nil
		rows := []table.Row{}
		for _, peer := range m.status.Peers {
			nts := ""
			if peer.NTS {
				nts = strconv.Itoa(peer.Cookies)
			}
			rows = append(rows, table.Row{
				peer.Host,
				strconv.FormatFloat(peer.Offset*1e3, 'G', 5, 64),
				strconv.FormatFloat(peer.Delay*1e3, 'G', 5, 64),
				strconv.FormatFloat(peer.Jitter*1e3, 'G', 5, 64),
				strconv.FormatUint(uint64(peer.Reach), 2),
				strconv.Itoa(int(peer.Stratum)),
				nts,
			})
		}
		m.table.SetRows(rows)
		return m, nil
	case fetchErrorMessage:
		m.err = msg
		return m, nil
	case tickMsg:
		return m, tea.Batch(tickCommand(fetchInfoPeriod), fetchStatusCommand(m))
	default:
		return m, nil
	}
}

func (m reportModel) View() (s string) {
	s += ui.TitleStyle("ntsal") + "\n"
	s += ui.StatusStyle(m.statusLine()) + "\n"
	s += ui.TableBase(m.table.View()) + "\n\n"
	if m.daemonKillStatus != "" {
		s += m.daemonKillStatus + "\n"
	} else {
		s += ui.HelpStyle("q: exit, s: stop daemon") + "\n"
	}
	return
}

func (m reportModel) statusLine() string {
	if m.err != nil {
		return fmt.Sprintf("daemon unavailable: %v", m.err)
	}
	if m.status == nil {
		return "connecting"
	}
	line := m.status.State
	if est := m.status.Estimate; est != nil {
		line += fmt.Sprintf(", offset %s ms, stratum %d",
			strconv.FormatFloat(est.Offset*1e3, 'G', 5, 64), est.Stratum)
	}
	return line
}

func setupTable() table.Model {
	columns := []table.Column{
		{Title: "Address", Width: 24},
		{Title: "Offset (ms)", Width: 12},
		{Title: "Delay (ms)", Width: 12},
		{Title: "Jitter (ms)", Width: 12},
		{Title: "Reach", Width: 10},
		{Title: "Stratum", Width: 8},
		{Title: "Cookies", Width: 8},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(7),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ui.TableGray).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return t
}
