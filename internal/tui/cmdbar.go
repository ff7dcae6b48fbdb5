package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/opsdeck/opsdeck/internal/client"
	"github.com/opsdeck/opsdeck/internal/models"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input   textinput.Model
	focused bool
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "submit <key> [k=v ...] | cancel | sync | watch <order-id> | runner <id>"
	ti.CharLimit = 256
	return &CmdBarModel{input: ti}
}

// Focused reports whether the bar takes key input.
func (m *CmdBarModel) Focused() bool { return m.focused }

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := strings.TrimSpace(m.input.Value())
	m.Blur()
	return val
}

// Update forwards key input to the text field.
func (m *CmdBarModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	if m.focused {
		return cmdBarStyle.Render(promptStyle.Render(": ") + m.input.View())
	}
	return cmdBarStyle.Render("Press : to enter a command (submit, cancel, sync, watch, runner)")
}

// command is a parsed command bar line.
type command struct {
	name string
	args []string
}

func parseCommand(input string) (command, bool) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(parts[0]), args: parts[1:]}, true
}

// parseParams turns k=v pairs into order params.
func parseParams(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad param %q, want key=value", a)
		}
		params[k] = v
	}
	return params, nil
}

type cmdResultMsg struct {
	message string
	err     error
}

type watchRequestMsg struct {
	orderID string
}

type selectRunnerMsg struct {
	runnerID string
}

// Execute runs a command line against the daemon.
func (m *CmdBarModel) Execute(c *client.Client, input, runnerID, orderID string) tea.Cmd {
	cmd, ok := parseCommand(input)
	if !ok {
		return nil
	}

	switch cmd.name {
	case "submit":
		if len(cmd.args) == 0 {
			return result("usage: submit <key> [k=v ...]", nil)
		}
		if runnerID == "" {
			return result("", fmt.Errorf("no runner selected"))
		}
		params, err := parseParams(cmd.args[1:])
		if err != nil {
			return result("", err)
		}
		req := models.OrderRequest{RunnerID: runnerID, Key: cmd.args[0], Params: params}
		return func() tea.Msg {
			o, err := c.SubmitOrder(context.Background(), req)
			if err != nil {
				return cmdResultMsg{err: err}
			}
			return watchRequestMsg{orderID: o.ID}
		}

	case "cancel":
		id := orderID
		if len(cmd.args) > 0 {
			id = cmd.args[0]
		}
		if id == "" {
			return result("", fmt.Errorf("no order selected"))
		}
		return func() tea.Msg {
			o, err := c.CancelOrder(context.Background(), id)
			if err != nil {
				return cmdResultMsg{err: err}
			}
			return cmdResultMsg{message: fmt.Sprintf("Order %s is %s", o.ID, o.Status)}
		}

	case "sync":
		if runnerID == "" {
			return result("", fmt.Errorf("no runner selected"))
		}
		return func() tea.Msg {
			o, err := c.SyncCapabilities(context.Background(), runnerID)
			if err != nil {
				return cmdResultMsg{err: err}
			}
			return watchRequestMsg{orderID: o.ID}
		}

	case "watch":
		if len(cmd.args) != 1 {
			return result("usage: watch <order-id>", nil)
		}
		id := cmd.args[0]
		return func() tea.Msg { return watchRequestMsg{orderID: id} }

	case "runner":
		if len(cmd.args) != 1 {
			return result("usage: runner <id>", nil)
		}
		id := cmd.args[0]
		return func() tea.Msg { return selectRunnerMsg{runnerID: id} }

	default:
		return result("", fmt.Errorf("unknown command %q", cmd.name))
	}
}

func result(message string, err error) tea.Cmd {
	return func() tea.Msg { return cmdResultMsg{message: message, err: err} }
}
