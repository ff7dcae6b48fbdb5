package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/opsdeck/opsdeck/internal/models"
)

var orderColumns = []table.Column{
	{Title: "ID", Width: 12},
	{Title: "KEY", Width: 28},
	{Title: "STATUS", Width: 12},
	{Title: "UPDATED", Width: 20},
}

func newOrdersTable() table.Model {
	t := table.New(
		table.WithColumns(orderColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(fgColor).
		Background(primaryColor).
		Bold(false)
	t.SetStyles(styles)
	return t
}

// orderRows keeps the order of orders so the table cursor indexes the slice.
func orderRows(orders []models.Order) []table.Row {
	rows := make([]table.Row, len(orders))
	for i, o := range orders {
		rows[i] = table.Row{
			truncateID(o.ID),
			truncate(o.Key, 28),
			statusLabel(o.Status),
			formatTime(o.UpdatedAt),
		}
	}
	return rows
}

func statusLabel(s models.OrderStatus) string {
	switch s {
	case models.OrderStatusQueued:
		return "○ QUEUED"
	case models.OrderStatusRunning:
		return "◑ RUNNING"
	case models.OrderStatusSucceeded:
		return "● DONE"
	case models.OrderStatusFailed:
		return "✗ FAILED"
	case models.OrderStatusCancelled:
		return "⊘ CANCELLED"
	default:
		return string(s)
	}
}

func formatStatus(s models.OrderStatus) string {
	style := lipgloss.NewStyle()
	switch s {
	case models.OrderStatusQueued:
		style = style.Foreground(warningColor)
	case models.OrderStatusRunning:
		style = style.Foreground(cyanColor)
	case models.OrderStatusSucceeded:
		style = style.Foreground(successColor)
	case models.OrderStatusFailed:
		style = style.Foreground(errorColor)
	case models.OrderStatusCancelled:
		style = style.Foreground(mutedColor)
	}
	return style.Render(statusLabel(s))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
