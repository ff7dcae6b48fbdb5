package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opsdeck/opsdeck/internal/models"
)

const playbookColumns = `key, title, description, runtime, entrypoint, timeout_sec, risk, visibility, status, version, created_at, updated_at`

const initialChangelog = "Initial version"

// CreatePlaybook inserts a playbook as a draft at version 1.
func (s *Store) CreatePlaybook(ctx context.Context, p models.Playbook, author string) (*models.Playbook, error) {
	now := s.now()
	p.Status = models.PlaybookDraft
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO playbooks (`+playbookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Key, p.Title, nullString(p.Description), p.Runtime, p.Entrypoint, p.TimeoutSec,
			p.Risk, p.Visibility, string(p.Status), p.Version, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("playbook %q: %w", p.Key, ErrConflict)
			}
			return fmt.Errorf("insert playbook: %w", err)
		}
		return insertVersion(ctx, tx, p.Key, models.PlaybookVersion{
			Version: 1, Changelog: initialChangelog, Author: author, CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.notify("playbooks", models.ChangeInsert, p.Key)
	return s.GetPlaybook(ctx, p.Key)
}

// GetPlaybook retrieves a playbook with its version history, newest first.
func (s *Store) GetPlaybook(ctx context.Context, key string) (*models.Playbook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE key = ?`, key)
	p, err := scanPlaybook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("playbook %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT version, changelog, author, created_at FROM playbook_versions
		 WHERE playbook_key = ? ORDER BY version DESC`, key)
	if err != nil {
		return nil, fmt.Errorf("list playbook versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v models.PlaybookVersion
		var author sql.NullString
		if err := rows.Scan(&v.Version, &v.Changelog, &author, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan playbook version: %w", err)
		}
		v.Author = author.String
		p.Versions = append(p.Versions, v)
	}
	return p, rows.Err()
}

// ListPlaybooks returns all playbooks ordered by key, without version history.
func (s *Store) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+playbookColumns+` FROM playbooks ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var playbooks []models.Playbook
	for rows.Next() {
		p, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		playbooks = append(playbooks, *p)
	}
	return playbooks, rows.Err()
}

// TransitionPlaybook moves a playbook through the review workflow.
func (s *Store) TransitionPlaybook(ctx context.Context, key string, next models.PlaybookStatus) (*models.Playbook, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM playbooks WHERE key = ?`, key).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("playbook %q: %w", key, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read playbook status: %w", err)
		}
		if !models.PlaybookStatus(cur).CanTransition(next) {
			return fmt.Errorf("playbook %q %s -> %s: %w", key, cur, next, ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `UPDATE playbooks SET status = ?, updated_at = ? WHERE key = ?`,
			string(next), s.now(), key)
		if err != nil {
			return fmt.Errorf("update playbook status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify("playbooks", models.ChangeUpdate, key)
	return s.GetPlaybook(ctx, key)
}

// AddPlaybookVersion bumps the version, records the changelog entry and
// resets the playbook to draft so the new version goes through review.
func (s *Store) AddPlaybookVersion(ctx context.Context, key, changelog, author string) (*models.Playbook, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRowContext(ctx, `SELECT version FROM playbooks WHERE key = ?`, key).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("playbook %q: %w", key, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read playbook version: %w", err)
		}

		now := s.now()
		version++
		_, err = tx.ExecContext(ctx, `UPDATE playbooks SET version = ?, status = ?, updated_at = ? WHERE key = ?`,
			version, string(models.PlaybookDraft), now, key)
		if err != nil {
			return fmt.Errorf("update playbook version: %w", err)
		}
		return insertVersion(ctx, tx, key, models.PlaybookVersion{
			Version: version, Changelog: changelog, Author: author, CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.notify("playbook_versions", models.ChangeInsert, key)
	return s.GetPlaybook(ctx, key)
}

func insertVersion(ctx context.Context, tx *sql.Tx, key string, v models.PlaybookVersion) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO playbook_versions (playbook_key, version, changelog, author, created_at) VALUES (?, ?, ?, ?, ?)`,
		key, v.Version, v.Changelog, nullString(v.Author), v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert playbook version: %w", err)
	}
	return nil
}

func scanPlaybook(row scanner) (*models.Playbook, error) {
	var p models.Playbook
	var desc sql.NullString
	var status string
	err := row.Scan(&p.Key, &p.Title, &desc, &p.Runtime, &p.Entrypoint, &p.TimeoutSec,
		&p.Risk, &p.Visibility, &status, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan playbook: %w", err)
	}
	p.Description = desc.String
	p.Status = models.PlaybookStatus(status)
	return &p, nil
}
