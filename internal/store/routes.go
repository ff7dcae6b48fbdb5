package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opsdeck/opsdeck/internal/models"
)

const routeColumns = `id, server_id, domain, upstream, root, kind, tls, email, created_at`

// CreateRoute inserts a route. A server can expose a domain only once.
func (s *Store) CreateRoute(ctx context.Context, r models.Route) (*models.Route, error) {
	r.ID = uuid.New().String()
	r.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (`+routeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ServerID, r.Domain, nullString(r.Upstream), nullString(r.Root), string(r.Kind), r.TLS, nullString(r.Email), r.CreatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, fmt.Errorf("route %q: %w", r.Domain, ErrConflict)
		case isForeignKeyViolation(err):
			return nil, fmt.Errorf("server %q: %w", r.ServerID, ErrNotFound)
		}
		return nil, fmt.Errorf("insert route: %w", err)
	}

	s.notify("routes", models.ChangeInsert, r.ID)
	return &r, nil
}

// GetRoute retrieves a route by ID.
func (s *Store) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route %q: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRoutes returns routes ordered by domain, optionally filtered by server.
func (s *Store) ListRoutes(ctx context.Context, serverID string) ([]models.Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes`
	var args []any
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY domain`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var routes []models.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, *r)
	}
	return routes, rows.Err()
}

// DeleteRoute removes a route.
func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	if err := affected(res, "route", id); err != nil {
		return err
	}
	s.notify("routes", models.ChangeDelete, id)
	return nil
}

func scanRoute(row scanner) (*models.Route, error) {
	var r models.Route
	var upstream, root, email sql.NullString
	var kind string
	if err := row.Scan(&r.ID, &r.ServerID, &r.Domain, &upstream, &root, &kind, &r.TLS, &email, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan route: %w", err)
	}
	r.Upstream = upstream.String
	r.Root = root.String
	r.Kind = models.RouteKind(kind)
	r.Email = email.String
	return &r, nil
}
