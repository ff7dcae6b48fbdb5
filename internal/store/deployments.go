package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opsdeck/opsdeck/internal/models"
)

const deploymentColumns = `id, server_id, descriptor, services, status, order_id, created_at, updated_at`

// CreateDeployment inserts a planned deployment and its steps in one
// transaction.
func (s *Store) CreateDeployment(ctx context.Context, d models.Deployment) (*models.Deployment, error) {
	now := s.now()
	d.ID = uuid.New().String()
	d.Status = models.DeploymentPlanned
	d.CreatedAt = now
	d.UpdatedAt = now

	desc, err := json.Marshal(d.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	var services []byte
	if len(d.Services) > 0 {
		if services, err = json.Marshal(d.Services); err != nil {
			return nil, fmt.Errorf("marshal services: %w", err)
		}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO deployments (`+deploymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ServerID, string(desc), nullString(string(services)), string(d.Status), nullString(d.OrderID), d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("server %q: %w", d.ServerID, ErrNotFound)
			}
			return fmt.Errorf("insert deployment: %w", err)
		}

		for _, step := range d.Steps {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO deployment_steps (deployment_id, step_index, phase, title, command, status, started_at, finished_at, error)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				d.ID, step.Index, string(step.Phase), step.Title, step.Command, string(step.Status),
				nullTime(step.StartedAt), nullTime(step.FinishedAt), nullString(step.Error),
			)
			if err != nil {
				return fmt.Errorf("insert deployment step %d: %w", step.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify("deployments", models.ChangeInsert, d.ID)
	return &d, nil
}

// GetDeployment retrieves a deployment with its steps in index order.
func (s *Store) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.listSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Steps = steps
	return d, nil
}

// ListDeployments returns deployments newest first, optionally filtered by
// server. Steps are not loaded.
func (s *Store) ListDeployments(ctx context.Context, serverID string) ([]models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	var args []any
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// SetDeploymentStatus records the aggregate status and, when non-empty, the
// order executing the deployment.
func (s *Store) SetDeploymentStatus(ctx context.Context, id string, status models.DeploymentStatus, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, order_id = COALESCE(?, order_id), updated_at = ? WHERE id = ?`,
		string(status), nullString(orderID), s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("update deployment status: %w", err)
	}
	if err := affected(res, "deployment", id); err != nil {
		return err
	}
	s.notify("deployments", models.ChangeUpdate, id)
	return nil
}

// UpdateStepStatus moves one step to next, stamping start and finish times.
// Transitions the step workflow does not allow return ErrInvalidTransition.
func (s *Store) UpdateStepStatus(ctx context.Context, deploymentID string, index int, next models.StepStatus, stepErr string) (*models.DeploymentStep, error) {
	var step *models.DeploymentStep
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT step_index, phase, title, command, status, started_at, finished_at, error
			 FROM deployment_steps WHERE deployment_id = ? AND step_index = ?`,
			deploymentID, index,
		)
		cur, err := scanStep(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("deployment %q step %d: %w", deploymentID, index, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !cur.Status.CanTransition(next) {
			return fmt.Errorf("step %d %s -> %s: %w", index, cur.Status, next, ErrInvalidTransition)
		}

		now := s.now()
		switch next {
		case models.StepRunning:
			cur.StartedAt = &now
		case models.StepApplied, models.StepFailed, models.StepSkipped:
			cur.FinishedAt = &now
		}
		cur.Status = next
		cur.Error = stepErr

		_, err = tx.ExecContext(ctx,
			`UPDATE deployment_steps SET status = ?, started_at = ?, finished_at = ?, error = ?
			 WHERE deployment_id = ? AND step_index = ?`,
			string(cur.Status), nullTime(cur.StartedAt), nullTime(cur.FinishedAt), nullString(cur.Error),
			deploymentID, index,
		)
		if err != nil {
			return fmt.Errorf("update deployment step: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE deployments SET updated_at = ? WHERE id = ?`, now, deploymentID); err != nil {
			return fmt.Errorf("touch deployment: %w", err)
		}
		step = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify("deployment_steps", models.ChangeUpdate, deploymentID)
	return step, nil
}

func (s *Store) listSteps(ctx context.Context, deploymentID string) ([]models.DeploymentStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, phase, title, command, status, started_at, finished_at, error
		 FROM deployment_steps WHERE deployment_id = ? ORDER BY step_index`,
		deploymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployment steps: %w", err)
	}
	defer rows.Close()

	steps := []models.DeploymentStep{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func scanDeployment(row scanner) (*models.Deployment, error) {
	var d models.Deployment
	var desc string
	var services, orderID sql.NullString
	var status string
	if err := row.Scan(&d.ID, &d.ServerID, &desc, &services, &status, &orderID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	if err := json.Unmarshal([]byte(desc), &d.Descriptor); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	if services.Valid {
		if err := json.Unmarshal([]byte(services.String), &d.Services); err != nil {
			return nil, fmt.Errorf("unmarshal services: %w", err)
		}
	}
	d.Status = models.DeploymentStatus(status)
	d.OrderID = orderID.String
	return &d, nil
}

func scanStep(row scanner) (*models.DeploymentStep, error) {
	var step models.DeploymentStep
	var phase, status string
	var started, finished sql.NullTime
	var stepErr sql.NullString
	if err := row.Scan(&step.Index, &phase, &step.Title, &step.Command, &status, &started, &finished, &stepErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan deployment step: %w", err)
	}
	step.Phase = models.StepPhase(phase)
	step.Status = models.StepStatus(status)
	step.StartedAt = timePtr(started)
	step.FinishedAt = timePtr(finished)
	step.Error = stepErr.String
	return &step, nil
}
