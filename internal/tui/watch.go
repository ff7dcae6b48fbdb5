package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/opsdeck/opsdeck/internal/poller"
	"go.uber.org/zap"
)

// WatchModel follows one order with a poll loop until it reaches a terminal
// status or the user leaves the screen.
type WatchModel struct {
	orderID string
	loop    *poller.Loop
	updates chan models.Order
	done    chan struct{}
	spinner spinner.Model
	last    *models.Order
	logs    string
	stopped bool
}

type orderUpdateMsg struct {
	orderID string
	order   models.Order
}

// NewWatchModel starts polling orderID through f.
func NewWatchModel(ctx context.Context, f poller.Fetcher, orderID string, interval time.Duration) *WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	m := &WatchModel{
		orderID: orderID,
		updates: make(chan models.Order),
		done:    make(chan struct{}),
		spinner: sp,
	}
	m.loop = poller.New(f, zap.NewNop(), poller.Config{
		Interval: interval,
		OnUpdate: func(o models.Order) {
			select {
			case m.updates <- o:
			case <-m.done:
			}
		},
	})
	m.loop.Start(ctx, orderID)
	return m
}

// Init starts the spinner and the first wait.
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForOrder())
}

// waitForOrder delivers the next poll result as a message.
func (m *WatchModel) waitForOrder() tea.Cmd {
	updates, done, id := m.updates, m.done, m.orderID
	return func() tea.Msg {
		select {
		case o := <-updates:
			return orderUpdateMsg{orderID: id, order: o}
		case <-done:
			return nil
		}
	}
}

// Stop ends polling. It is safe to call more than once.
func (m *WatchModel) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.done)
	m.loop.Stop()
}

// Terminal reports whether the watched order finished.
func (m *WatchModel) Terminal() bool {
	return m.last != nil && m.last.Status.IsTerminal()
}

// Update handles spinner ticks and poll results.
func (m *WatchModel) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case orderUpdateMsg:
		if msg.orderID != m.orderID || m.stopped {
			return nil
		}
		o := msg.order
		m.last = &o
		if o.Status.IsTerminal() {
			return nil
		}
		return m.waitForOrder()
	case spinner.TickMsg:
		if m.Terminal() || m.stopped {
			return nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return cmd
	}
	return nil
}

// SetLogs attaches fetched order output.
func (m *WatchModel) SetLogs(logs string) { m.logs = logs }

// View renders the watch screen.
func (m *WatchModel) View(width, height int) string {
	var b strings.Builder

	title := fmt.Sprintf("Order %s", m.orderID)
	b.WriteString("\n  " + titleStyle.Render(title) + "\n")
	b.WriteString("  " + strings.Repeat("─", 50) + "\n\n")

	switch {
	case m.last == nil:
		b.WriteString("  " + m.spinner.View() + " waiting for first snapshot...\n")
		return b.String()
	case m.Terminal():
		b.WriteString("  " + formatStatus(m.last.Status) + "\n")
	case m.stopped:
		b.WriteString("  " + formatStatus(m.last.Status) + helpStyle.Render("  (watch stopped)") + "\n")
	default:
		b.WriteString("  " + m.spinner.View() + " " + formatStatus(m.last.Status) + "\n")
	}

	o := m.last
	b.WriteString(fmt.Sprintf("\n  Key:      %s\n", o.Key))
	b.WriteString(fmt.Sprintf("  Runner:   %s\n", o.RunnerID))
	b.WriteString(fmt.Sprintf("  Created:  %s\n", formatTime(o.CreatedAt)))
	b.WriteString(fmt.Sprintf("  Updated:  %s\n", formatTime(o.UpdatedAt)))

	if r := o.Report; r != nil {
		if r.Summary != "" {
			b.WriteString("\n  " + r.Summary + "\n")
		}
		for _, st := range r.Steps {
			line := fmt.Sprintf("  - %-24s %s", truncate(st.Name, 24), st.Status)
			if st.Error != "" {
				line += "  " + lipgloss.NewStyle().Foreground(errorColor).Render(st.Error)
			}
			b.WriteString(line + "\n")
		}
		for _, e := range r.Errors {
			b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render(fmt.Sprintf("  ✗ %s: %s", e.Code, e.Message)) + "\n")
		}
	}

	if m.logs != "" {
		b.WriteString("\n" + panelStyle.Width(max(20, width-4)).Render(tail(m.logs, max(3, height-16))) + "\n")
	}
	return b.String()
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
