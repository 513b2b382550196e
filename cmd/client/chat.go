package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/syncclient"
)

const sendTimeout = 15 * time.Second

type chatEngine interface {
	Send(ctx context.Context, target message.Target, content string, opts syncclient.SendOptions) (*syncclient.Entry, error)
	Ack(ctx context.Context, target message.Target) error
}

type chatModel struct {
	engine       chatEngine
	target       message.Target
	title        string
	username     string
	obfuscate    bool
	entries      []syncclient.Entry
	state        syncclient.State
	reconnecting bool
	unread       int
	viewport     viewport.Model
	input        textinput.Model
	errMsg       string
	width        int
	height       int
}

type updateMsg struct {
	update syncclient.Update
}

type sendResultMsg struct{ err error }

type ackResultMsg struct{ err error }

func newChatModel(engine chatEngine, target message.Target, title, username string, obfuscate bool, width, height int) chatModel {
	input := textinput.New()
	input.Placeholder = "type a message..."
	input.CharLimit = 4096
	input.Width = clampMin(width-8, 20)
	input.Focus()

	vp := viewport.New(clampMin(width-4, 10), clampMin(height-7, 1))

	return chatModel{
		engine:    engine,
		target:    target,
		title:     title,
		username:  username,
		obfuscate: obfuscate,
		state:     syncclient.StateSubscribing,
		viewport:  vp,
		input:     input,
		width:     width,
		height:    height,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit
		case "enter":
			cmd := m.submit()
			return m, cmd
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case updateMsg:
		m.applyUpdate(msg.update)
		m.refreshViewport()
		return m, nil

	case sendResultMsg:
		// Rollbacks are reported through the update stream; this only
		// catches sends rejected before they reached the timeline.
		if msg.err != nil && m.errMsg == "" {
			m.errMsg = "message not sent: " + msg.err.Error()
		}
		return m, nil

	case ackResultMsg:
		if msg.err != nil {
			m.errMsg = "mark read failed: " + msg.err.Error()
		} else {
			m.unread = 0
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles the input line: a command or a message to send.
func (m *chatModel) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	m.errMsg = ""

	switch text {
	case "/quit":
		return tea.Quit
	case "/read":
		return m.ackCmd()
	case "/help":
		m.errMsg = "commands: /read marks everything read, /quit exits"
		return nil
	}
	return m.sendCmd(text)
}

func (m *chatModel) sendCmd(content string) tea.Cmd {
	engine, target := m.engine, m.target
	opts := syncclient.SendOptions{Obfuscate: m.obfuscate}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_, err := engine.Send(ctx, target, content, opts)
		return sendResultMsg{err: err}
	}
}

func (m *chatModel) ackCmd() tea.Cmd {
	engine, target := m.engine, m.target
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		return ackResultMsg{err: engine.Ack(ctx, target)}
	}
}

func (m *chatModel) applyUpdate(u syncclient.Update) {
	m.entries = u.Timeline
	m.state = u.State

	fromLoop := len(u.Pending) == 0 && len(u.Confirmed) == 0 && len(u.RolledBack) == 0
	switch {
	case u.Reconnecting:
		m.reconnecting = true
	case fromLoop:
		m.reconnecting = false
	}

	if u.Unread != nil {
		m.unread = 0
		for _, c := range u.Unread.Targets {
			if c.Target == m.target {
				m.unread = c.Count
			}
		}
	}

	switch {
	case len(u.RolledBack) > 0 && u.Err != nil:
		m.errMsg = "message not sent: " + u.Err.Error()
	case u.State == syncclient.StateClosed && u.Err != nil:
		m.errMsg = "sync stopped: " + u.Err.Error()
	}
}

func (m *chatModel) refreshViewport() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *chatModel) updateLayout() {
	m.viewport.Width = clampMin(m.width-4, 10)
	m.viewport.Height = clampMin(m.height-7, 1)
	m.input.Width = clampMin(m.width-8, 20)
}

func (m *chatModel) renderMessages() string {
	if len(m.entries) == 0 {
		return labelStyle.Render("  No messages yet. Send one to start chatting!")
	}

	var b strings.Builder
	for _, e := range m.entries {
		sender := e.SenderName
		if sender == "" {
			sender = shortID(string(e.SenderID))
		}
		body := e.Content
		if e.AttachmentURL != "" {
			body = strings.TrimSpace(fmt.Sprintf("%s [%s: %s]", body, e.Kind, e.AttachmentURL))
		}

		style := recvMsgStyle
		switch {
		case e.State == syncclient.EntryPending:
			style = pendingMsgStyle
			body += " (sending)"
		case e.IsMine:
			style = sentMsgStyle
		}
		for _, line := range formatMessageLines(formatTime(e.CreatedAt), sender, body, m.viewport.Width) {
			b.WriteString(style.Render(line))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *chatModel) statusLabel() string {
	if m.reconnecting {
		return disconnectedStyle.Render("reconnecting")
	}
	if m.state == syncclient.StateClosed {
		return disconnectedStyle.Render("offline")
	}
	return connectedStyle.Render(m.state.String())
}

func (m chatModel) View() string {
	var b strings.Builder

	header := fmt.Sprintf(
		"  %s  %s  %s",
		appNameStyle.Render("* chatsync"),
		headerStyle.Render(m.username),
		labelStyle.Render(m.title),
	)
	if m.unread > 0 {
		header += "  " + unreadStyle.Render(fmt.Sprintf("%d unread", m.unread))
	}
	status := m.statusLabel()
	gap := max(1, m.width-lipgloss.Width(header)-lipgloss.Width(status)-2)
	b.WriteString(header + strings.Repeat(" ", gap) + status)
	b.WriteString("\n")

	b.WriteString(separator(m.width))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(separator(m.width))
	b.WriteString("\n")

	b.WriteString(activeInputStyle.Render("  > ") + m.input.View())
	b.WriteString("\n")

	if m.errMsg != "" {
		b.WriteString(errorStyle.Render("  x " + m.errMsg))
	} else {
		b.WriteString(helpStyle.Render("  enter: send - /read: mark read - pgup/pgdn: scroll - ctrl+q: quit"))
	}
	return b.String()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "--:--"
	}
	return ts.Local().Format("15:04")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clampMin(v, minimum int) int {
	if v < minimum {
		return minimum
	}
	return v
}

func formatMessageLines(ts, sender, body string, width int) []string {
	prefix := fmt.Sprintf("  [%s] %s: ", ts, sender)
	contPrefix := strings.Repeat(" ", len(prefix))
	available := width - len(prefix)
	if available < 10 {
		available = 10
	}

	var out []string
	for i, line := range strings.Split(body, "\n") {
		for j, part := range wrapText(line, available) {
			if i == 0 && j == 0 {
				out = append(out, prefix+part)
				continue
			}
			out = append(out, contPrefix+part)
		}
	}
	return out
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		if len(current)+1+len(word) <= width {
			current = current + " " + word
			continue
		}
		lines = append(lines, current)
		current = word
	}
	lines = append(lines, current)
	return lines
}
