// Package tuiapp implements the Status TUI's Bubble Tea model: a session
// list fed by the Live Status Server, with a detail and a log-tail view
// per selection.
package tuiapp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/config"
	"github.com/afk-relay/afk-supervisor/internal/tail"
	"github.com/afk-relay/afk-supervisor/internal/tuiclient"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// view identifies which pane is active.
type view int

const (
	viewList view = iota
	viewDetail
	viewTail
)

// KeyMap holds the TUI's key bindings.
type KeyMap struct {
	Up, Down, Enter, Escape, Quit key.Binding
}

// DefaultKeyMap returns the TUI's key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up:     key.NewBinding(key.WithKeys("up", "k")),
		Down:   key.NewBinding(key.WithKeys("down", "j")),
		Enter:  key.NewBinding(key.WithKeys("enter")),
		Escape: key.NewBinding(key.WithKeys("esc")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c")),
	}
}

type tailTickMsg struct{}

// Model is the root Bubble Tea model for the Status TUI.
type Model struct {
	ws   *tuiclient.WSClient
	http *tuiclient.HTTPClient
	cfg  *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	sessions map[string]*tuiclient.Session
	order    []string

	selectedIdx int
	active      view

	connected bool

	tailer     *tail.Tailer
	tailLines  []string
	tailSessID string
}

// New creates the root model.
func New(ws *tuiclient.WSClient, http *tuiclient.HTTPClient, cfg *config.Config) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:       ws,
		http:     http,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		keys:     DefaultKeyMap(),
		sessions: make(map[string]*tuiclient.Session),
	}
}

// initialFetchMsg carries the result of the one-shot HTTP fetch issued at
// startup so the list has content before the WebSocket finishes its first
// snapshot round-trip.
type initialFetchMsg struct {
	sessions []*tuiclient.Session
}

// Init starts the WebSocket connection and kicks off a one-shot HTTP fetch
// for an immediate initial listing.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.ws.Listen(m.ctx), m.fetchInitial())
}

func (m Model) fetchInitial() tea.Cmd {
	return func() tea.Msg {
		sessions, err := m.http.GetSessions()
		if err != nil {
			return nil
		}
		return initialFetchMsg{sessions: sessions}
	}
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tuiclient.WSConnectedMsg:
		m.connected = true
		return m, m.ws.ReadLoop(m.ctx)

	case tuiclient.WSDisconnectedMsg:
		m.connected = false
		return m, m.ws.Listen(m.ctx)

	case tuiclient.WSSnapshotMsg:
		m.sessions = make(map[string]*tuiclient.Session, len(msg.Payload.Sessions))
		for _, s := range msg.Payload.Sessions {
			m.sessions[s.ID] = s
		}
		m.rebuildOrder()
		return m, m.ws.ReadLoop(m.ctx)

	case tuiclient.WSDeltaMsg:
		for _, s := range msg.Payload.Updated {
			m.sessions[s.ID] = s
		}
		for _, id := range msg.Payload.Removed {
			delete(m.sessions, id)
		}
		m.rebuildOrder()
		return m, m.ws.ReadLoop(m.ctx)

	case tuiclient.WSErrorMsg:
		return m, m.ws.ReadLoop(m.ctx)

	case initialFetchMsg:
		if len(m.sessions) == 0 {
			for _, s := range msg.sessions {
				m.sessions[s.ID] = s
			}
			m.rebuildOrder()
		}
		return m, nil

	case tailTickMsg:
		if m.active == viewTail && m.tailer != nil {
			if chunk, err := m.tailer.Poll(); err == nil && len(chunk.Data) > 0 {
				m.appendTailOutput(string(chunk.Data))
			}
			return m, tailTickCmd()
		}
		return m, nil
	}

	return m, nil
}

func tailTickCmd() tea.Cmd {
	return tea.Tick(tail.MinPollInterval, func(time.Time) tea.Msg { return tailTickMsg{} })
}

func (m *Model) appendTailOutput(s string) {
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		m.tailLines = append(m.tailLines, line)
	}
	if len(m.tailLines) > 2000 {
		m.tailLines = m.tailLines[len(m.tailLines)-2000:]
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		return m, tea.Quit
	}

	switch m.active {
	case viewDetail, viewTail:
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.active = viewList
			m.tailer = nil
			m.tailLines = nil
			return m, nil
		case msg.String() == "t" && m.active == viewDetail:
			return m.enterTail()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Down):
		if len(m.order) > 0 {
			m.selectedIdx = (m.selectedIdx + 1) % len(m.order)
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if len(m.order) > 0 {
			m.selectedIdx = (m.selectedIdx - 1 + len(m.order)) % len(m.order)
		}
		return m, nil

	case key.Matches(msg, m.keys.Enter):
		if len(m.order) > 0 {
			m.active = viewDetail
		}
		return m, nil

	case msg.String() == "t":
		return m.enterTail()
	}

	return m, nil
}

func (m Model) enterTail() (tea.Model, tea.Cmd) {
	sess := m.selectedSession()
	if sess == nil {
		return m, nil
	}
	m.active = viewTail
	m.tailSessID = sess.ID
	m.tailLines = nil
	m.tailer = tail.New(tail.Layout{LogsDir: m.cfg.Paths.LogsDir, RegistryDir: m.cfg.Paths.RegistryDir}, sess.ID)
	return m, tailTickCmd()
}

func (m Model) selectedSession() *tuiclient.Session {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.order) {
		return nil
	}
	return m.sessions[m.order[m.selectedIdx]]
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if !m.connected {
		return m.renderDisconnected()
	}

	switch m.active {
	case viewDetail:
		if sess := m.selectedSession(); sess != nil {
			return lipgloss.JoinVertical(lipgloss.Left, renderDetail(m.cfg, sess))
		}
	case viewTail:
		return m.renderTailView()
	}

	return m.renderList()
}

func (m Model) renderDisconnected() string {
	icon := lipgloss.NewStyle().Foreground(colorDanger).Bold(true).Render("⚡ DISCONNECTED")
	sub := styleDimmed.Render("Reconnecting to the status server...")
	hint := styleDimmed.Render("Press q to quit")
	box := lipgloss.JoinVertical(lipgloss.Center, "", icon, "", sub, "", hint, "")
	return lipgloss.NewStyle().Width(maxInt(m.width, 40)).Height(m.height).Align(lipgloss.Center, lipgloss.Center).Render(box)
}

func (m Model) renderList() string {
	var b strings.Builder
	b.WriteString(styleHeader.Render(fmt.Sprintf("afk sessions (%d)", len(m.order))) + "\n\n")

	if len(m.order) == 0 {
		b.WriteString(styleDimmed.Render("  no sessions yet; run `afk start <task>`") + "\n")
	}

	for i, id := range m.order {
		sess := m.sessions[id]
		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}
		glyph := statusGlyph(sess.Status)
		statusStr := lipgloss.NewStyle().Foreground(statusColor(sess.Status)).Render(sess.Status)
		line := fmt.Sprintf("%s%s %-20s %s  %d/%d  %s", prefix, glyph, shortID(sess.ID), statusStr, sess.IterationsCompleted, sess.IterationsPlanned, truncateLine(sess.Task, 36))
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + styleDimmed.Render("j/k:navigate  enter:detail  t:tail  q:quit"))
	return b.String()
}

func (m Model) renderTailView() string {
	var b strings.Builder
	b.WriteString(styleHeader.Render("tail: "+shortID(m.tailSessID)) + "\n\n")

	start := 0
	maxLines := m.height - 4
	if maxLines < 1 {
		maxLines = 20
	}
	if len(m.tailLines) > maxLines {
		start = len(m.tailLines) - maxLines
	}
	for _, line := range m.tailLines[start:] {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + styleDimmed.Render("esc:back  q:quit"))
	return b.String()
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (m *Model) rebuildOrder() {
	m.order = make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		m.order = append(m.order, id)
	}
	sort.Slice(m.order, func(i, j int) bool {
		return m.sessions[m.order[i]].UpdatedAt > m.sessions[m.order[j]].UpdatedAt
	})
	if m.selectedIdx >= len(m.order) {
		m.selectedIdx = 0
	}
}
