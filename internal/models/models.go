// Package models defines the core domain types for opsdeck.
package models

import (
	"strings"
	"time"
)

// OrderStatus represents the lifecycle state of an order in the orders engine.
type OrderStatus string

const (
	OrderStatusQueued    OrderStatus = "queued"
	OrderStatusRunning   OrderStatus = "running"
	OrderStatusSucceeded OrderStatus = "succeeded"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ParseOrderStatus normalizes the spellings the engine uses for order states.
// The bool is false for unrecognized values.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending":
		return OrderStatusQueued, true
	case "running", "in_progress":
		return OrderStatusRunning, true
	case "succeeded", "completed", "success":
		return OrderStatusSucceeded, true
	case "failed", "error":
		return OrderStatusFailed, true
	case "cancelled", "canceled":
		return OrderStatusCancelled, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transitions can happen.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusSucceeded, OrderStatusFailed, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Order is a unit of work dispatched to a runner and tracked by the engine.
// The control plane only ever reads its status.
type Order struct {
	ID        string         `json:"id"`
	RunnerID  string         `json:"runner_id"`
	Key       string         `json:"key"`
	Params    map[string]any `json:"params,omitempty"`
	Status    OrderStatus    `json:"status"`
	Report    *OrderReport   `json:"report,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OrderReport is the structured result an agent attaches to a finished order.
type OrderReport struct {
	OK        bool          `json:"ok"`
	Summary   string        `json:"summary,omitempty"`
	Steps     []ReportStep  `json:"steps,omitempty"`
	Artifacts Artifacts     `json:"artifacts"`
	Errors    []ReportError `json:"errors,omitempty"`
}

// ReportStep is one named step inside an order report.
type ReportStep struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Artifacts splits report outputs by audience.
type Artifacts struct {
	Public   map[string]string `json:"public,omitempty"`
	Internal map[string]string `json:"internal,omitempty"`
}

// ReportError is a coded error reported by the agent.
type ReportError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OrderRequest is what the control plane submits to the engine.
type OrderRequest struct {
	RunnerID string         `json:"runner_id"`
	Key      string         `json:"key"`
	Params   map[string]any `json:"params,omitempty"`
}

// Runner is a remote agent process registered with the engine.
type Runner struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Status       string            `json:"status"`
	LastSeenAt   *time.Time        `json:"last_seen_at,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// RunnerToken is returned once when a runner token is reset.
type RunnerToken struct {
	RunnerID string `json:"runner_id"`
	Token    string `json:"token"`
}

// Server is a piece of target infrastructure owned by the control plane.
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Provider  string    `json:"provider,omitempty"`
	RunnerID  string    `json:"runner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting is a single key/value entry.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry records a state-mutating action for the audit trail.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChangeOp is the kind of row-level mutation reported by the store.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is a row-level table change notification.
type Change struct {
	Table string   `json:"table"`
	Op    ChangeOp `json:"op"`
	ID    string   `json:"id"`
}
