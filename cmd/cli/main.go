// Command cli is an interactive code runner.
//
// Usage:
//
//	go run ./cmd/cli [--config remoteexec.yaml]
//
// Keys:
//
//	ctrl+r          - Run the code in the editor
//	/set name json  - Stage a shared state variable for the next run
//	esc, ctrl+c     - Quit (the sandbox is removed)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/app"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/config"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/logging"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/runner"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/session"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/statesync"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
	statusStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
)

type state int

const (
	stateMenu state = iota
	stateStarting
	stateSelectingSession
	stateEditing
	stateViewing
)

type errMsg struct{ err error }
type sessionUpdateMsg string
type sessionStartedMsg struct{ sess *session.Session }
type runDoneMsg struct {
	out *runner.Output
	err error
}
type updateViewMsg struct{ content string }

type model struct {
	ctx     context.Context
	app     *app.App
	sess    *session.Session
	viewID  string
	updates <-chan string

	// State
	state             state
	availableSessions []store.SessionInfo
	pendingState      statesync.Bundle
	running           bool
	cursor            int
	listOffset        int
	width             int
	height            int
	status            string
	err               error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, a *app.App) model {
	ta := textarea.New()
	ta.Placeholder = "Write Python code, ctrl+r to run..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 0
	ta.SetWidth(80)
	ta.SetHeight(8)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = true

	vp := viewport.New(80, 20)

	// "light" avoids terminal queries that leak into input.
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:          ctx,
		app:          a,
		state:        stateMenu,
		pendingState: statesync.Bundle{},
		viewport:     vp,
		textarea:     ta,
		renderer:     r,
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the editor while editing, so menu selection does not
	// leak into the code.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateEditing && !isControlKey(msg.(tea.KeyMsg)) {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlR:
			if m.state == stateEditing {
				m.err = nil
				var cmd tea.Cmd
				m, cmd = m.submit()
				cmds = append(cmds, cmd)
			}
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					m.state = stateStarting
					m.status = "Starting sandbox..."
					return m, m.startSessionCmd()
				}
				sessions, err := m.journal().ListSessions(m.ctx)
				if err != nil {
					m.err = err
				} else if len(sessions) == 0 {
					m.err = errors.New("no journaled sessions found")
				} else {
					m.availableSessions = sessions
					m.state = stateSelectingSession
					m.cursor = 0
					m.listOffset = 0
				}
			case stateSelectingSession:
				m.viewID = m.availableSessions[m.cursor].ID
				m.state = stateViewing
				m.updates = m.journal().Subscribe()
				return m, tea.Batch(m.reloadEvents(), waitForUpdate(m.updates))
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			var maxCursor int
			switch m.state {
			case stateMenu:
				maxCursor = 1
			case stateSelectingSession:
				maxCursor = len(m.availableSessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				maxViewable := m.maxViewable()
				if m.cursor >= m.listOffset+maxViewable {
					m.listOffset = m.cursor - maxViewable + 1
				}
			}
		}

	case sessionStartedMsg:
		m.sess = msg.sess
		m.viewID = msg.sess.ID()
		m.state = stateEditing
		m.status = "Session " + msg.sess.ID()
		m.updates = m.journal().Subscribe()
		m.textarea.Focus()
		m.resize()
		cmds = append(cmds, m.reloadEvents(), waitForUpdate(m.updates))

	case runDoneMsg:
		m.running = false
		m.status = "Session " + m.viewID
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.textarea.Reset()
			if msg.out.IsFinalAnswer {
				m.status += " (final answer)"
			}
		}

	case sessionUpdateMsg:
		if string(msg) == m.viewID {
			cmds = append(cmds, m.reloadEvents())
		}
		cmds = append(cmds, waitForUpdate(m.updates))

	case updateViewMsg:
		m.viewport.SetContent(msg.content)
		m.viewport.GotoBottom()

	case errMsg:
		m.err = msg.err
		if m.state == stateStarting {
			m.state = stateMenu
			m.status = ""
		}
	}

	return m, tea.Batch(cmds...)
}

func isControlKey(k tea.KeyMsg) bool {
	return k.Type == tea.KeyCtrlR || k.Type == tea.KeyCtrlC || k.Type == tea.KeyEsc
}

func (m *model) resize() {
	if m.width == 0 {
		return
	}
	m.viewport.Width = m.width
	m.textarea.SetWidth(m.width)
	editor := 0
	if m.state == stateEditing {
		editor = m.textarea.Height()
	}
	m.viewport.Height = m.height - editor - 4
	if m.viewport.Height < 0 {
		m.viewport.Height = 0
	}
	m.renderer, _ = glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(m.width-4),
	)

	maxViewable := m.maxViewable()
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

func (m model) maxViewable() int {
	if n := m.height - 7; n > 0 {
		return n
	}
	return 1
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("Main Menu")
		options := []string{"New Session", "Browse Journal"}
		var optionsView []string
		for i, choice := range options {
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}
		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateStarting:
		return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Sandbox"), "", m.status, errorView)

	case stateSelectingSession:
		header := titleStyle.Render("Select Session")
		start := m.listOffset
		end := start + m.maxViewable()
		if end > len(m.availableSessions) {
			end = len(m.availableSessions)
		}
		var optionsView []string
		for i := start; i < end; i++ {
			choice := m.availableSessions[i]
			cursor := " "
			line := fmt.Sprintf("%s  %-6s  %3d events  (%s)", choice.ID, choice.Status, choice.Events, choice.Modified.Format(time.RFC822))
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}
		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateViewing:
		return lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Journal "+m.viewID),
			"",
			m.viewport.View(),
			errorView,
		)
	}

	status := m.status
	if m.running {
		status += " (running...)"
	}
	if len(m.pendingState) > 0 {
		status += fmt.Sprintf(" [%d staged]", len(m.pendingState))
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Code Runner"),
		statusStyle.Render(status),
		m.viewport.View(),
		errorView,
		m.textarea.View(),
	)
}

// Actions

func (m model) journal() store.Journal {
	return m.app.Journal
}

func (m model) startSessionCmd() tea.Cmd {
	return func() tea.Msg {
		sess, err := m.app.Sessions.Create(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return sessionStartedMsg{sess}
	}
}

func (m model) submit() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" || m.running {
		return m, nil
	}

	if strings.HasPrefix(v, "/set ") {
		name, value, err := parseSet(v)
		if err != nil {
			m.err = err
			return m, nil
		}
		m.pendingState[name] = value
		m.textarea.Reset()
		return m, nil
	}

	code := m.textarea.Value()
	st := m.pendingState
	m.pendingState = statesync.Bundle{}
	m.running = true

	sess := m.sess
	return m, func() tea.Msg {
		out, err := sess.Run(m.ctx, code, st)
		return runDoneMsg{out: out, err: err}
	}
}

// parseSet parses "/set name <json>".
func parseSet(line string) (string, any, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "/set"))
	name, raw, ok := strings.Cut(rest, " ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", nil, errors.New("usage: /set name <json value>")
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return "", nil, fmt.Errorf("/set %s: %w", name, err)
	}
	return name, value, nil
}

func (m model) reloadEvents() tea.Cmd {
	id := m.viewID
	r := m.renderer
	return func() tea.Msg {
		events, err := m.journal().Events(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		slog.Debug("Loaded journal events", "session", id, "count", len(events))
		return updateViewMsg{content: renderEvents(events, r)}
	}
}

func waitForUpdate(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return sessionUpdateMsg(id)
	}
}

// --- Main ---

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remoteexec-cli",
		Short: "Interactive code runner for remoteexec sandboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(configPath)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "Path to the YAML config file")
	return cmd
}

func runTUI(configPath string) error {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}
	if cfg.Journal.Driver == "none" {
		cfg.Journal = config.Journal{Driver: "jsonl", Path: "./journal"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The TUI owns the terminal, so logs go to a file.
	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = "remoteexec.log"
	}
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()
	if err := logging.Setup(f, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	slog.Info("Logging initialized", "level", cfg.Logging.Level)

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}()

	p := tea.NewProgram(initialModel(ctx, a), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("alas, there's been an error: %w", err)
	}
	return nil
}
