package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

// InstanceRepository stores service instances in user_configs.
type InstanceRepository struct {
	pool *pgxpool.Pool
}

func NewInstanceRepository(pool *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{pool: pool}
}

const instanceColumns = `uc.id, uc.user_id, COALESCE(u.telegram_id, 0), uc.plan_id, uc.server_id,
	uc.client_email, uc.credential_id, uc.inbound_tag, uc.vless_link,
	uc.status, uc.expires_at,
	uc.data_used_bytes, uc.data_limit_bytes, uc.last_session_bytes,
	uc.created_at, uc.updated_at`

const instanceFrom = `user_configs uc LEFT JOIN users u ON u.id = uc.user_id`

func (r *InstanceRepository) Create(ctx context.Context, inst *models.ServiceInstance) error {
	query := `
		INSERT INTO user_configs (
			user_id, plan_id, server_id,
			client_email, credential_id, inbound_tag, vless_link,
			status, expires_at,
			data_used_bytes, data_limit_bytes, last_session_bytes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		inst.UserID, inst.PlanID, inst.ServerID,
		inst.ClientEmail, inst.CredentialID, inst.InboundTag, inst.Links,
		inst.Status, inst.ExpiresAt,
		inst.DataUsed, inst.DataLimit, inst.LastSessionUsage,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user_config: %w", err)
	}
	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id int64) (*models.ServiceInstance, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE uc.id = $1`, instanceColumns, instanceFrom)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// ListActiveByServer returns the instances the monitor manages on a server.
func (r *InstanceRepository) ListActiveByServer(ctx context.Context, serverID int64) ([]*models.ServiceInstance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE uc.server_id = $1 AND uc.status IN ('active', 'test')
		ORDER BY uc.id ASC
	`, instanceColumns, instanceFrom)

	rows, err := r.pool.Query(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("query active user_configs: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListByUser returns all instances of a user, newest first.
func (r *InstanceRepository) ListByUser(ctx context.Context, userID int64) ([]*models.ServiceInstance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE uc.user_id = $1
		ORDER BY uc.created_at DESC
	`, instanceColumns, instanceFrom)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user_configs by user: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// UpdateUsage persists the folded total and the session baseline.
func (r *InstanceRepository) UpdateUsage(ctx context.Context, id, dataUsed, lastSession int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE user_configs
		SET data_used_bytes = $2, last_session_bytes = $3, updated_at = NOW()
		WHERE id = $1
	`, id, dataUsed, lastSession)
	if err != nil {
		return fmt.Errorf("update usage: %w", err)
	}
	return nil
}

// TransitionStatus moves a live instance to a new status. Rows already in a
// terminal status are left alone and false is returned.
func (r *InstanceRepository) TransitionStatus(ctx context.Context, id int64, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_configs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'test')
	`, id, to)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *InstanceRepository) scanOne(row pgx.Row) (*models.ServiceInstance, error) {
	inst := &models.ServiceInstance{}
	err := row.Scan(
		&inst.ID, &inst.UserID, &inst.TelegramID, &inst.PlanID, &inst.ServerID,
		&inst.ClientEmail, &inst.CredentialID, &inst.InboundTag, &inst.Links,
		&inst.Status, &inst.ExpiresAt,
		&inst.DataUsed, &inst.DataLimit, &inst.LastSessionUsage,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user_config: %w", err)
	}
	return inst, nil
}

func (r *InstanceRepository) scanMany(rows pgx.Rows) ([]*models.ServiceInstance, error) {
	var results []*models.ServiceInstance
	for rows.Next() {
		inst := &models.ServiceInstance{}
		err := rows.Scan(
			&inst.ID, &inst.UserID, &inst.TelegramID, &inst.PlanID, &inst.ServerID,
			&inst.ClientEmail, &inst.CredentialID, &inst.InboundTag, &inst.Links,
			&inst.Status, &inst.ExpiresAt,
			&inst.DataUsed, &inst.DataLimit, &inst.LastSessionUsage,
			&inst.CreatedAt, &inst.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user_config row: %w", err)
		}
		results = append(results, inst)
	}
	return results, rows.Err()
}
