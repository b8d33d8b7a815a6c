package main

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#25D366"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	stateStyles = map[string]lipgloss.Style{
		"connected":  lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		"qr_pending": lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		"logged_out": lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
)

func styleState(state string) string {
	if s, ok := stateStyles[state]; ok {
		return s.Render(state)
	}
	return mutedStyle.Render(state)
}

type statusMsg struct{ st status }

type errMsg struct{ err error }

// watchModel renders the live status stream.
type watchModel struct {
	ctx  context.Context
	ws   *websocket.Conn
	last *status
	err  error
}

func newWatchModel(ctx context.Context, ws *websocket.Conn) *watchModel {
	return &watchModel{ctx: ctx, ws: ws}
}

func (m *watchModel) next() tea.Msg {
	var st status
	if err := wsjson.Read(m.ctx, m.ws, &st); err != nil {
		return errMsg{err: err}
	}
	return statusMsg{st: st}
}

// Init implements tea.Model.
func (m *watchModel) Init() tea.Cmd {
	return m.next
}

// Update implements tea.Model.
func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statusMsg:
		st := msg.st
		m.last = &st
		return m, m.next
	case errMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m *watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("wabot") + "\n\n")

	if m.last == nil {
		b.WriteString(mutedStyle.Render("waiting for status...") + "\n")
	} else {
		b.WriteString(renderStatus(*m.last))
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("stream closed: "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("q: quit") + "\n")
	return b.String()
}

func renderStatus(st status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state:        %s\n", styleState(st.State))
	device := "-"
	if st.DeviceID != nil {
		device = *st.DeviceID
	}
	fmt.Fprintf(&b, "device:       %s\n", device)
	if st.ConnectedSince != nil {
		fmt.Fprintf(&b, "connected at: %s\n", st.ConnectedSince.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "qr attempts:  %d\n", st.QRAttempts)
	fmt.Fprintf(&b, "ai provider:  %s\n", st.AIProvider)
	fmt.Fprintf(&b, "messages:     %d in %d chats, %d replies, %d dropped\n",
		st.Stats.TotalMessages, st.Stats.TotalChats, st.Stats.AIResponses, st.Stats.Dropped)

	if len(st.Stats.RecentActivity) > 0 {
		b.WriteString("\n" + mutedStyle.Render("recent activity") + "\n")
		for _, a := range st.Stats.RecentActivity {
			fmt.Fprintf(&b, "  %s  %s\n", a.Timestamp.Local().Format("15:04:05"), a.Description)
		}
	}
	return b.String()
}
