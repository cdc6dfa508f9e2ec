package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	beevik "github.com/beevik/ntp"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ntsal/ntsal/internal/sugar"
	"github.com/ntsal/ntsal/internal/sysclock"
	"github.com/ntsal/ntsal/internal/ui"
	"github.com/ntsal/ntsal/pkg/ntsal"
)

const queryMessages = 5

var queryBarStyle = lipgloss.NewStyle().Padding(0, 2)

func handleQueryCommand(address string, check bool) {
	m := queryModel{address: address}
	m.progress = progress.New(progress.WithScaledGradient("#68b1b1", "#6ea4ff"))
	m.updates = make(chan int, queryMessages)

	result, err := sugar.RunProgramWithErrors(m)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if final, ok := result.(queryModel); ok && final.result != "" {
		fmt.Println(final.result)
	}

	if check {
		crossCheck(address)
	}
}

// crossCheck prints an independent measurement of the same server so a
// suspicious query result can be eyeballed against a second client.
func crossCheck(address string) {
	resp, err := beevik.Query(address)
	if err != nil {
		fmt.Printf("Cross-check failed: %v\n", err)
		return
	}
	fmt.Printf("Cross-check: offset %s, rtt %s, stratum %d\n",
		resp.ClockOffset, resp.RTT, resp.Stratum)
}

type queryModel struct {
	address  string
	progress progress.Model
	updates  chan int

	done   int
	result string
	err    error
}

type queryDoneMessage string
type queryErrorMessage error
type queryProgressMessage int

func queryCommand(m queryModel) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		res, err := ntsal.Query(ctx, m.address, queryMessages, &sysclock.System{}, func(done int) {
			m.updates <- done
		})
		if err != nil {
			return queryErrorMessage(err)
		}

		offset := strconv.FormatFloat(res.Offset, 'G', 5, 64)
		if res.Offset > 0 {
			offset = "+" + offset
		}
		bound := strconv.FormatFloat(res.Err, 'G', 5, 64)
		return queryDoneMessage(fmt.Sprint(offset, " +/- ", bound, " ", m.address))
	}
}

func progressListenCommand(m queryModel) tea.Cmd {
	return func() tea.Msg {
		return queryProgressMessage(<-m.updates)
	}
}

func (m queryModel) Init() tea.Cmd {
	return tea.Batch(queryCommand(m), progressListenCommand(m))
}

func (m queryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.progress.Width = msg.Width - 8
		if m.progress.Width > 60 {
			m.progress.Width = 60
		}
		return m, nil
	case queryProgressMessage:
		m.done = int(msg)
		return m, progressListenCommand(m)
	case queryDoneMessage:
		m.result = string(msg)
		return m, tea.Quit
	case queryErrorMessage:
		m.err = msg
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m queryModel) View() (s string) {
	if m.err != nil || m.result != "" {
		return
	}
	s += ui.TitleStyle("ntsal - query") + "\n\n"
	s += queryBarStyle.Render(m.progress.ViewAs(float64(m.done)/queryMessages)) + "\n\n"
	s += ui.HelpStyle("q: exit") + "\n"
	return
}

func (m queryModel) GetError() error {
	return m.err
}
