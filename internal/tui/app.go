// Package tui provides the interactive terminal UI for opsdeck.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/opsdeck/opsdeck/internal/client"
	"github.com/opsdeck/opsdeck/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	modeOrders = "orders"
	modeWatch  = "watch"

	refreshInterval = 5 * time.Second
	orderLimit      = 50
)

// Config defines the TUI configuration.
type Config struct {
	// PollInterval is used by the order watch screen.
	PollInterval time.Duration
	// RunnerID preselects a runner.
	RunnerID string
}

// App is the main TUI application model.
type App struct {
	client *client.Client
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	runners   []models.Runner
	runnerIdx int
	orders    []models.Order
	table     table.Model
	cmdbar    *CmdBarModel
	watch     *WatchModel

	mode         string
	message      string
	isErr        bool
	loading      bool
	daemonOnline bool
	width        int
	height       int
}

// New creates a new TUI application.
func New(c *client.Client, cfg Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		client: c,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		table:  newOrdersTable(),
		cmdbar: NewCmdBarModel(),
		mode:   modeOrders,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	defer a.shutdown()
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (a *App) shutdown() {
	if a.watch != nil {
		a.watch.Stop()
	}
	a.cancel()
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.checkDaemon(),
		a.fetchRunners(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.table.SetHeight(max(5, a.height-8))
		return a, nil

	case tea.KeyMsg:
		return a, a.handleKey(msg)

	case runnersLoadedMsg:
		a.runners = msg.runners
		a.selectRunner(a.cfg.RunnerID)
		return a, a.fetchOrders()

	case ordersLoadedMsg:
		if msg.runnerID != a.currentRunner() {
			return a, nil
		}
		a.loading = false
		a.orders = msg.orders
		a.table.SetRows(orderRows(a.orders))
		return a, nil

	case daemonStatusMsg:
		a.daemonOnline = msg.online
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{a.tickCmd(), a.checkDaemon()}
		if a.mode == modeOrders {
			cmds = append(cmds, a.fetchOrders())
		}
		return a, tea.Batch(cmds...)

	case cmdResultMsg:
		a.setMessage(msg.message, msg.err)
		if a.mode == modeOrders {
			return a, a.fetchOrders()
		}
		return a, nil

	case watchRequestMsg:
		return a, a.startWatch(msg.orderID)

	case selectRunnerMsg:
		if !a.selectRunner(msg.runnerID) {
			a.setMessage("", fmt.Errorf("unknown runner %s", msg.runnerID))
			return a, nil
		}
		a.cfg.RunnerID = msg.runnerID
		return a, a.fetchOrders()

	case logsLoadedMsg:
		if a.watch != nil && a.watch.orderID == msg.orderID {
			a.watch.SetLogs(msg.logs)
		}
		return a, nil

	case errMsg:
		a.loading = false
		a.setMessage("", msg.err)
		return a, nil
	}

	if a.watch != nil {
		cmd := a.watch.Update(msg)
		if up, ok := msg.(orderUpdateMsg); ok && a.watch.Terminal() && up.orderID == a.watch.orderID {
			a.setMessage(fmt.Sprintf("Order %s finished: %s", up.orderID, up.order.Status), nil)
			return a, tea.Batch(cmd, a.fetchLogs(up.orderID))
		}
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	if a.cmdbar.Focused() {
		switch msg.String() {
		case "esc":
			a.cmdbar.Blur()
			return nil
		case "enter":
			return a.cmdbar.Execute(a.client, a.cmdbar.Submit(), a.currentRunner(), a.selectedOrderID())
		}
		return a.cmdbar.Update(msg)
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit
	case ":":
		return a.cmdbar.Focus()
	}

	if a.mode == modeWatch {
		switch msg.String() {
		case "esc":
			a.stopWatch()
			a.mode = modeOrders
			return a.fetchOrders()
		case "l":
			if a.watch != nil {
				return a.fetchLogs(a.watch.orderID)
			}
		}
		return nil
	}

	switch msg.String() {
	case "tab":
		if len(a.runners) > 0 {
			a.runnerIdx = (a.runnerIdx + 1) % len(a.runners)
			a.orders = nil
			a.table.SetRows(nil)
			return a.fetchOrders()
		}
		return nil
	case "r":
		return tea.Batch(a.fetchRunners(), a.checkDaemon())
	case "enter":
		if id := a.selectedOrderID(); id != "" {
			return a.startWatch(id)
		}
		return nil
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return cmd
}

func (a *App) setMessage(message string, err error) {
	a.isErr = err != nil
	if err != nil {
		a.message = "Error: " + err.Error()
		return
	}
	a.message = message
}

func (a *App) selectRunner(id string) bool {
	if id == "" {
		return len(a.runners) > 0
	}
	for i, r := range a.runners {
		if r.ID == id {
			a.runnerIdx = i
			return true
		}
	}
	return false
}

func (a *App) currentRunner() string {
	if a.runnerIdx < len(a.runners) {
		return a.runners[a.runnerIdx].ID
	}
	return ""
}

func (a *App) selectedOrderID() string {
	i := a.table.Cursor()
	if i >= 0 && i < len(a.orders) {
		return a.orders[i].ID
	}
	return ""
}

func (a *App) startWatch(orderID string) tea.Cmd {
	a.stopWatch()
	a.watch = NewWatchModel(a.ctx, a.client, orderID, a.cfg.PollInterval)
	a.mode = modeWatch
	a.message = ""
	return a.watch.Init()
}

func (a *App) stopWatch() {
	if a.watch != nil {
		a.watch.Stop()
		a.watch = nil
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	runner := "no runner"
	if id := a.currentRunner(); id != "" {
		r := a.runners[a.runnerIdx]
		runner = fmt.Sprintf("runner %s (%s)", orDash(r.Name, r.ID), orDash(r.Status, "?"))
	}

	header := titleStyle.Render("opsdeck") + "  " + daemon + "  " +
		lipgloss.NewStyle().Foreground(cyanColor).Render(runner)
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(10, a.width)) + "\n")

	switch a.mode {
	case modeWatch:
		if a.watch != nil {
			b.WriteString(a.watch.View(a.width, a.height))
		}
	default:
		b.WriteString(a.renderOrders())
	}

	if a.message != "" {
		style := lipgloss.NewStyle().Foreground(successColor)
		if a.isErr {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + style.Render(a.message))
	}
	b.WriteString("\n" + a.cmdbar.View() + "\n")

	var status string
	switch a.mode {
	case modeWatch:
		status = " Esc:back | l:logs | ::command | q:quit"
	default:
		status = fmt.Sprintf(" Orders: %d | ↑↓:nav | Enter:watch | Tab:next runner | r:refresh | ::command | q:quit", len(a.orders))
	}
	b.WriteString(statusBarStyle.Width(max(10, a.width)).Render(status))
	return b.String()
}

func (a *App) renderOrders() string {
	switch {
	case len(a.runners) == 0:
		return "\n  No runners registered with the engine.\n"
	case a.loading && len(a.orders) == 0:
		return "\n  Loading orders...\n"
	case len(a.orders) == 0:
		return "\n  No orders for this runner. Type : submit <key> to create one.\n"
	}
	return a.table.View() + "\n"
}

func orDash(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// --- Commands ---

func (a *App) fetchRunners() tea.Cmd {
	return func() tea.Msg {
		runners, err := a.client.ListRunners(a.ctx)
		if err != nil {
			return errMsg{err}
		}
		return runnersLoadedMsg{runners}
	}
}

func (a *App) fetchOrders() tea.Cmd {
	runnerID := a.currentRunner()
	if runnerID == "" {
		return nil
	}
	a.loading = true
	return func() tea.Msg {
		orders, err := a.client.ListRunnerOrders(a.ctx, runnerID, orderLimit)
		if err != nil {
			return errMsg{err}
		}
		return ordersLoadedMsg{runnerID: runnerID, orders: orders}
	}
}

func (a *App) fetchLogs(orderID string) tea.Cmd {
	return func() tea.Msg {
		logs, err := a.client.GetOrderLogs(a.ctx, orderID)
		if err != nil {
			return errMsg{err}
		}
		return logsLoadedMsg{orderID: orderID, logs: logs}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		h, err := a.client.Health(a.ctx)
		return daemonStatusMsg{online: err == nil && h.OK}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type errMsg struct {
	err error
}

type runnersLoadedMsg struct {
	runners []models.Runner
}

type ordersLoadedMsg struct {
	runnerID string
	orders   []models.Order
}

type logsLoadedMsg struct {
	orderID string
	logs    string
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
