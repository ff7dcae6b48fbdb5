package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opsdeck/opsdeck/internal/models"
)

const serverColumns = `id, name, host, provider, runner_id, created_at, updated_at`

// CreateServer inserts a server and assigns its ID.
func (s *Store) CreateServer(ctx context.Context, srv models.Server) (*models.Server, error) {
	now := s.now()
	srv.ID = uuid.New().String()
	srv.CreatedAt = now
	srv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (`+serverColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.Host, nullString(srv.Provider), nullString(srv.RunnerID), srv.CreatedAt, srv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("server %q: %w", srv.Name, ErrConflict)
		}
		return nil, fmt.Errorf("insert server: %w", err)
	}

	s.notify("servers", models.ChangeInsert, srv.ID)
	return &srv, nil
}

// GetServer retrieves a server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*models.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	return srv, err
}

// ListServers returns all servers ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []models.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// UpdateServer overwrites the mutable fields of a server.
func (s *Store) UpdateServer(ctx context.Context, srv models.Server) (*models.Server, error) {
	srv.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET name = ?, host = ?, provider = ?, runner_id = ?, updated_at = ? WHERE id = ?`,
		srv.Name, srv.Host, nullString(srv.Provider), nullString(srv.RunnerID), srv.UpdatedAt, srv.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("server %q: %w", srv.Name, ErrConflict)
		}
		return nil, fmt.Errorf("update server: %w", err)
	}
	if err := affected(res, "server", srv.ID); err != nil {
		return nil, err
	}

	s.notify("servers", models.ChangeUpdate, srv.ID)
	return s.GetServer(ctx, srv.ID)
}

// DeleteServer removes a server together with its deployments and routes.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if err := affected(res, "server", id); err != nil {
		return err
	}
	s.notify("servers", models.ChangeDelete, id)
	return nil
}

func scanServer(row scanner) (*models.Server, error) {
	var srv models.Server
	var provider, runnerID sql.NullString
	if err := row.Scan(&srv.ID, &srv.Name, &srv.Host, &provider, &runnerID, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan server: %w", err)
	}
	srv.Provider = provider.String
	srv.RunnerID = runnerID.String
	return &srv, nil
}
