package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"

	"github.com/wardenlabs/warden/internal/consent"
)

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type requestMsg struct {
	req consent.Request
}

type daemonErrMsg struct {
	text string
}

type disconnectMsg struct{}

type resolvedMsg struct {
	id       string
	decision consent.Decision
	err      error
}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	primaryColor = lipgloss.Color("#7C3AED") // violet
	mutedColor   = lipgloss.Color("#6B7280") // gray
	allowColor   = lipgloss.Color("#10B981") // green
	denyColor    = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor)

	severityStyles = map[consent.Severity]lipgloss.Style{
		consent.SeverityLow:      lipgloss.NewStyle().Foreground(allowColor),
		consent.SeverityMedium:   lipgloss.NewStyle().Foreground(warnColor),
		consent.SeverityHigh:     lipgloss.NewStyle().Foreground(denyColor),
		consent.SeverityCritical: lipgloss.NewStyle().Foreground(denyColor).Bold(true),
	}

	detailStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	statusAllow = lipgloss.NewStyle().Foreground(allowColor).Bold(true)
	statusDeny  = lipgloss.NewStyle().Foreground(denyColor).Bold(true)
)

// ─────────────────────────────────────────────────────
// Model
// ─────────────────────────────────────────────────────

type model struct {
	ctx    context.Context
	conn   *websocket.Conn
	logger *slog.Logger

	pending  []consent.Request
	cursor   int
	detail   viewport.Model
	status   string
	width    int
	height   int
	ready    bool
	offline  bool
	resolved int
}

func newModel(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) model {
	return model{
		ctx:    ctx,
		conn:   conn,
		logger: logger,
		status: "connected — waiting for requests",
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) resolveCmd(id string, decision consent.Decision) tea.Cmd {
	ctx, conn := m.ctx, m.conn
	return func() tea.Msg {
		err := sendResponse(ctx, conn, id, decision)
		return resolvedMsg{id: id, decision: decision, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
				m.refreshDetail()
			}
		case "down", "j":
			if m.cursor < len(m.pending)-1 {
				m.cursor++
				m.refreshDetail()
			}
		case "a":
			if req, ok := m.selected(); ok {
				return m, m.resolveCmd(req.ID, consent.DecisionAllow)
			}
		case "d":
			if req, ok := m.selected(); ok {
				return m, m.resolveCmd(req.ID, consent.DecisionDeny)
			}
		}

	case requestMsg:
		// The daemon replays pending requests on connect; skip duplicates.
		for _, r := range m.pending {
			if r.ID == msg.req.ID {
				return m, nil
			}
		}
		m.pending = append(m.pending, msg.req)
		m.status = fmt.Sprintf("%d pending", len(m.pending))
		m.refreshDetail()

	case resolvedMsg:
		if msg.err != nil {
			m.status = "send failed: " + msg.err.Error()
			m.logger.Error("response send failed", "requestId", msg.id, "error", msg.err)
			return m, nil
		}
		m.dropRequest(msg.id)
		m.resolved++
		verb := statusAllow.Render("allowed")
		if msg.decision == consent.DecisionDeny {
			verb = statusDeny.Render("denied")
		}
		m.status = fmt.Sprintf("%s %s — %d pending", verb, shortID(msg.id), len(m.pending))
		m.refreshDetail()

	case daemonErrMsg:
		m.status = "daemon: " + msg.text

	case disconnectMsg:
		m.offline = true
		m.status = "disconnected — press q to quit"

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		detailH := m.height - len(m.pending) - 7
		if detailH < 4 {
			detailH = 4
		}
		if !m.ready {
			m.detail = viewport.New(m.width-4, detailH)
			m.ready = true
		} else {
			m.detail.Width = m.width - 4
			m.detail.Height = detailH
		}
		m.refreshDetail()
	}

	var cmd tea.Cmd
	m.detail, cmd = m.detail.Update(msg)
	return m, cmd
}

func (m *model) selected() (consent.Request, bool) {
	if m.cursor < 0 || m.cursor >= len(m.pending) {
		return consent.Request{}, false
	}
	return m.pending[m.cursor], true
}

func (m *model) dropRequest(id string) {
	for i, r := range m.pending {
		if r.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	if m.cursor >= len(m.pending) && m.cursor > 0 {
		m.cursor = len(m.pending) - 1
	}
}

func (m *model) refreshDetail() {
	if !m.ready {
		return
	}
	req, ok := m.selected()
	if !ok {
		m.detail.SetContent(footerStyle.Render("No pending requests."))
		return
	}
	m.detail.SetContent(renderRequest(req))
}

func renderRequest(req consent.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID:        %s\n", req.ID)
	fmt.Fprintf(&b, "Operation: %s\n", req.Operation)
	sevStyle, ok := severityStyles[req.Severity]
	if !ok {
		sevStyle = lipgloss.NewStyle()
	}
	fmt.Fprintf(&b, "Severity:  %s\n", sevStyle.Render(string(req.Severity)))
	fmt.Fprintf(&b, "Age:       %s\n", time.Since(req.CreatedAt).Round(time.Second))
	if req.Details.Command != "" {
		fmt.Fprintf(&b, "Command:   %s %s\n", req.Details.Command, strings.Join(req.Details.Args, " "))
	}
	if req.Details.Path != "" {
		fmt.Fprintf(&b, "Path:      %s\n", req.Details.Path)
	}
	if req.Details.AffectedFiles > 0 {
		fmt.Fprintf(&b, "Affected:  %d files\n", req.Details.AffectedFiles)
	}
	if req.Details.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Details.Description)
	}
	for _, note := range req.Details.RiskNotes {
		fmt.Fprintf(&b, "  ! %s\n", note)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("Warden — consent approvals"))
	b.WriteString("\n\n")

	if len(m.pending) == 0 {
		b.WriteString(footerStyle.Render("  (no pending requests)"))
		b.WriteString("\n")
	}
	for i, req := range m.pending {
		line := fmt.Sprintf(" %s  %-18s %s", shortID(req.ID), req.Operation, truncate(req.Target(), m.width-32))
		if i == m.cursor {
			line = selectedStyle.Render(">" + line)
		} else {
			line = " " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(detailStyle.Render(m.detail.View()))
	b.WriteString("\n")

	footer := fmt.Sprintf(" a allow · d deny · j/k move · q quit │ %s", m.status)
	if m.offline {
		footer = " " + statusDeny.Render("OFFLINE") + footer
	}
	b.WriteString(footerStyle.Render(footer))
	return b.String()
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
