package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

var ErrNotFound = errors.New("not found")

type ServerRepository struct {
	pool *pgxpool.Pool
}

func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

const serverColumns = `id, name, domain, ip, api_port, api_token, xray_port,
	max_users, current_users, capacity_class,
	status, is_active, location,
	last_checked_at, created_at, updated_at`

// ListAvailable returns eligible servers of a capacity class, least loaded first.
// An empty class means any class.
func (r *ServerRepository) ListAvailable(ctx context.Context, class string) ([]*models.Server, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM servers
		WHERE status = 'active' AND is_active = TRUE AND current_users < max_users
		  AND ($1 = '' OR capacity_class = $1)
		ORDER BY current_users ASC, id ASC
	`, serverColumns)

	rows, err := r.pool.Query(ctx, query, class)
	if err != nil {
		return nil, fmt.Errorf("query available servers: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListActive returns every enabled server with status active, the monitor's poll set.
func (r *ServerRepository) ListActive(ctx context.Context) ([]*models.Server, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM servers
		WHERE status = 'active' AND is_active = TRUE
		ORDER BY id ASC
	`, serverColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active servers: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListAll returns the whole fleet, including disabled servers.
func (r *ServerRepository) ListAll(ctx context.Context) ([]*models.Server, error) {
	query := fmt.Sprintf(`SELECT %s FROM servers ORDER BY id ASC`, serverColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *ServerRepository) GetByID(ctx context.Context, id int64) (*models.Server, error) {
	query := fmt.Sprintf(`SELECT %s FROM servers WHERE id = $1`, serverColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// TryIncrementUsers claims one slot on the server. It returns false when
// the server filled up or left the eligible set in the meantime.
func (r *ServerRepository) TryIncrementUsers(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE servers
		SET current_users = current_users + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND is_active = TRUE AND current_users < max_users
	`, id)
	if err != nil {
		return false, fmt.Errorf("increment server users: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DecrementUsers releases one slot, never going below zero.
func (r *ServerRepository) DecrementUsers(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE servers
		SET current_users = GREATEST(current_users - 1, 0), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("decrement server users: %w", err)
	}
	return nil
}

// SetCurrentUsers overwrites the counter with an observed value.
func (r *ServerRepository) SetCurrentUsers(ctx context.Context, id int64, count int) error {
	if count < 0 {
		count = 0
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE servers
		SET current_users = $2, last_checked_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, count)
	if err != nil {
		return fmt.Errorf("set server users: %w", err)
	}
	return nil
}

func (r *ServerRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE servers SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update server status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates the fleet over enabled servers.
func (r *ServerRepository) Stats(ctx context.Context) (*models.FleetStats, error) {
	var s models.FleetStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(current_users), 0),
			COALESCE(SUM(max_users), 0)
		FROM servers
		WHERE is_active = TRUE
	`).Scan(&s.TotalServers, &s.ActiveServers, &s.TotalUsers, &s.TotalCapacity)
	if err != nil {
		return nil, fmt.Errorf("query fleet stats: %w", err)
	}
	return &s, nil
}

func (r *ServerRepository) Create(ctx context.Context, s *models.Server) error {
	query := `
		INSERT INTO servers (
			name, domain, ip, api_port, api_token, xray_port,
			max_users, current_users, capacity_class,
			status, is_active, location
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11)
		RETURNING id, current_users, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		s.Name, s.Domain, s.IP, s.APIPort, s.APIToken, s.XrayPort,
		s.MaxUsers, s.CapacityClass,
		s.Status, s.IsActive, s.Location,
	).Scan(&s.ID, &s.CurrentUsers, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}
	return nil
}

// Update applies the non-nil fields of in and returns the updated row.
func (r *ServerRepository) Update(ctx context.Context, id int64, in *models.ServerInput) (*models.Server, error) {
	query := fmt.Sprintf(`
		UPDATE servers SET
			name           = COALESCE($2, name),
			domain         = COALESCE($3, domain),
			ip             = COALESCE($4, ip),
			api_port       = COALESCE($5, api_port),
			api_token      = COALESCE($6, api_token),
			xray_port      = COALESCE($7, xray_port),
			max_users      = COALESCE($8, max_users),
			capacity_class = COALESCE($9, capacity_class),
			status         = COALESCE($10, status),
			is_active      = COALESCE($11, is_active),
			location       = COALESCE($12, location),
			updated_at     = NOW()
		WHERE id = $1
		RETURNING %s
	`, serverColumns)

	return r.scanOne(r.pool.QueryRow(ctx, query, id,
		in.Name, in.Domain, in.IP, in.APIPort, in.APIToken, in.XrayPort,
		in.MaxUsers, in.CapacityClass, in.Status, in.IsActive, in.Location,
	))
}

func (r *ServerRepository) scanOne(row pgx.Row) (*models.Server, error) {
	s := &models.Server{}
	err := row.Scan(
		&s.ID, &s.Name, &s.Domain, &s.IP, &s.APIPort, &s.APIToken, &s.XrayPort,
		&s.MaxUsers, &s.CurrentUsers, &s.CapacityClass,
		&s.Status, &s.IsActive, &s.Location,
		&s.LastCheckedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return s, nil
}

func (r *ServerRepository) scanMany(rows pgx.Rows) ([]*models.Server, error) {
	var results []*models.Server
	for rows.Next() {
		s := &models.Server{}
		err := rows.Scan(
			&s.ID, &s.Name, &s.Domain, &s.IP, &s.APIPort, &s.APIToken, &s.XrayPort,
			&s.MaxUsers, &s.CurrentUsers, &s.CapacityClass,
			&s.Status, &s.IsActive, &s.Location,
			&s.LastCheckedAt, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan server row: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}
