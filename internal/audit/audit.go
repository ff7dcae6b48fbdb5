// Package audit records state-mutating control plane actions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/opsdeck/opsdeck/internal/models"
)

// Outcomes recorded with each entry.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sink persists audit entries. *store.Store satisfies it.
type Sink interface {
	WriteAudit(ctx context.Context, action, inputsHash, outcome, subjectID, details string) (*models.AuditEntry, error)
}

// Writer writes audit entries for actions.
type Writer struct {
	sink Sink
}

// NewWriter creates a new audit writer.
func NewWriter(s Sink) *Writer {
	return &Writer{sink: s}
}

// Record writes an entry for action. The inputs are stored only as a hash.
func (w *Writer) Record(ctx context.Context, action string, inputs any, outcome, subjectID, details string) (*models.AuditEntry, error) {
	return w.sink.WriteAudit(ctx, action, HashInputs(inputs), outcome, subjectID, details)
}

// HashInputs returns the hex sha256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
