package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/opsdeck/opsdeck/internal/models"
)

// WriteAudit appends an entry to the audit log.
func (s *Store) WriteAudit(ctx context.Context, action, inputsHash, outcome, subjectID, details string) (*models.AuditEntry, error) {
	e := &models.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		SubjectID:  subjectID,
		Details:    details,
		Timestamp:  s.now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, inputs_hash, outcome, subject_id, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.InputsHash, e.Outcome, nullString(e.SubjectID), nullString(e.Details), e.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("write audit entry: %w", err)
	}

	s.notify("audit_log", models.ChangeInsert, e.ID)
	return e, nil
}

// ListAudit returns the newest entries first. A limit of zero returns all.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	query := `SELECT id, action, inputs_hash, outcome, subject_id, details, timestamp
		FROM audit_log ORDER BY rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var subject, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &subject, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.SubjectID = subject.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
