package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/subtun-io/subtun/internal/clientside"
)

// tuiModel is the Bubbletea model backing `subtun http --tui`: a live feed
// of proxied requests plus uptime/throughput stats for the running client.
type tuiModel struct {
	client      *clientside.Client
	requests    []clientside.RequestLog
	viewport    viewport.Model
	ready       bool
	width       int
	quitting    bool
	maxRequests int
}

func newTUIModel(client *clientside.Client) tuiModel {
	return tuiModel{client: client, maxRequests: 200}
}

type requestMsg clientside.RequestLog
type tickMsg time.Time

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(tea.EnterAltScreen, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.requests = nil
			m.updateViewport()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		headerHeight, footerHeight := 6, 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.updateViewport()

	case requestMsg:
		m.requests = append(m.requests, clientside.RequestLog(msg))
		if len(m.requests) > m.maxRequests {
			m.requests = m.requests[1:]
		}
		m.updateViewport()
		m.viewport.GotoBottom()

	case tickMsg:
		cmds = append(cmds, tickCmd())
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *tuiModel) updateViewport() {
	if !m.ready {
		return
	}
	var content strings.Builder
	if len(m.requests) == 0 {
		content.WriteString("\n  Waiting for requests...\n")
	} else {
		for _, req := range m.requests {
			content.WriteString(fmt.Sprintf("%s  %s  %s  %s  %s\n",
				timeStyle.Render(req.Timestamp.Format("15:04:05")),
				methodStyle(req.Method).Render(req.Method),
				responseStatusStyle(req.StatusCode).Render(fmt.Sprintf("%d", req.StatusCode)),
				durationLogStyle.Render(formatDuration(req.Duration)),
				pathLogStyle.Render(truncatePath(req.Path, m.width-40)),
			))
		}
	}
	m.viewport.SetContent(content.String())
}

func (m tuiModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Initializing..."
	}

	title := logoStyle.Render("subtun — tunnel active")
	url := urlValueStyle.Render(m.client.PublicURL())

	reqCount, bytesIn, bytesOut, connectedAt := m.client.Stats()
	uptime := time.Since(connectedAt).Round(time.Second)
	stats := forwardStyle.Render(fmt.Sprintf(
		"Requests: %d | In: %d B | Out: %d B | Uptime: %s",
		reqCount, bytesIn, bytesOut, uptime,
	))

	header := fmt.Sprintf("%s\n%s\n%s\n", title, url, stats)
	help := helpStyle.Render("q: quit | c: clear | scroll: up/down")

	return fmt.Sprintf("%s\n%s\n%s", header, m.viewport.View(), help)
}

func truncatePath(path string, maxWidth int) string {
	if maxWidth < 10 {
		maxWidth = 10
	}
	if len(path) <= maxWidth {
		return path
	}
	return path[:maxWidth-3] + "..."
}

// runTUI starts the interactive TUI, wiring the client's request callback
// to feed live events into the Bubbletea program.
func runTUI(client *clientside.Client) error {
	model := newTUIModel(client)
	p := tea.NewProgram(model, tea.WithAltScreen())

	client.OnRequest = func(log clientside.RequestLog) {
		p.Send(requestMsg(log))
	}

	_, err := p.Run()
	return err
}
