package models

import "time"

// PlaybookStatus is the governance state of a playbook.
type PlaybookStatus string

const (
	PlaybookDraft         PlaybookStatus = "draft"
	PlaybookPendingReview PlaybookStatus = "pending_review"
	PlaybookApproved      PlaybookStatus = "approved"
	PlaybookRejected      PlaybookStatus = "rejected"
)

// CanTransition reports whether the governance workflow allows s -> next.
// Publishing a new version is handled separately and always resets to draft.
func (s PlaybookStatus) CanTransition(next PlaybookStatus) bool {
	switch s {
	case PlaybookDraft:
		return next == PlaybookPendingReview
	case PlaybookPendingReview:
		return next == PlaybookApproved || next == PlaybookRejected
	case PlaybookRejected:
		return next == PlaybookDraft
	default:
		return false
	}
}

// Risk levels for playbooks.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Visibility values for playbooks.
const (
	VisibilityPublic   = "public"
	VisibilityInternal = "internal"
)

// Playbook is a named, versioned script template executable via an order.
type Playbook struct {
	Key         string            `json:"key"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Runtime     string            `json:"runtime"`
	Entrypoint  string            `json:"entrypoint"`
	TimeoutSec  int               `json:"timeout_sec"`
	Risk        string            `json:"risk"`
	Visibility  string            `json:"visibility"`
	Status      PlaybookStatus    `json:"status"`
	Version     int               `json:"version"`
	Versions    []PlaybookVersion `json:"versions,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PlaybookVersion is one changelog entry in a playbook's history.
type PlaybookVersion struct {
	Version   int       `json:"version"`
	Changelog string    `json:"changelog"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
