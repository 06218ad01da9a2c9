package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edamame-systems/edamame-stack/common/database"
	"github.com/edamame-systems/edamame-stack/common/models"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string, maxConns int32) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) SaveEntry(ctx context.Context, entry *models.LogEntry) (string, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	id := uuid.New().String()
	collectedAt := entry.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = time.Now()
	}

	query := `
		INSERT INTO access_log (id, registration_id, server_name, source_path, method, full_url,
			status_code, ip_address, access_time, blocked_by_modsec, collected_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		id, entry.RegistrationID, entry.ServerName, entry.SourcePath, entry.Method, entry.FullURL,
		entry.StatusCode, entry.IPAddress, entry.AccessTime, entry.BlockedByModSec, collectedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save access entry: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) SaveAlert(ctx context.Context, recordID string, alert models.ModSecAlert) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO modsec_alerts (id, access_log_id, server_name, rule_id, severity, severity_code,
			message, data_value, extracted_url, raw_log, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		uuid.New().String(), recordID, alert.ServerName, alert.RuleID, alert.Severity, alert.SeverityCode,
		alert.Message, alert.DataValue, alert.ExtractedURL, alert.RawLog, alert.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save modsec alert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateRegistration(ctx context.Context, reg *models.AgentRegistration) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE agent_registrations
		SET active = FALSE, unregistered_at = $2
		WHERE agent_name = $1 AND active
		RETURNING registration_id
	`, reg.AgentName, reg.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to deactivate previous registrations: %w", err)
	}
	previous, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to deactivate previous registrations: %w", err)
	}

	if len(previous) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE block_requests SET registration_id = $1
			WHERE registration_id = ANY($2) AND delivered_at IS NULL
		`, reg.RegistrationID, previous)
		if err != nil {
			return fmt.Errorf("failed to move pending block requests: %w", err)
		}
	}

	logPaths := reg.LogPaths
	if logPaths == nil {
		logPaths = []string{}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO agent_registrations (registration_id, agent_name, agent_ip, hostname, os_name,
			os_version, runtime_version, agent_version, log_paths, iptables_enabled, api_key_verified,
			active, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, $12)
	`,
		reg.RegistrationID, reg.AgentName, reg.AgentIP, reg.Hostname, reg.OSName,
		reg.OSVersion, reg.RuntimeVersion, reg.AgentVersion, logPaths, reg.IptablesOn, reg.APIKeyVerified,
		reg.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create registration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit registration: %w", err)
	}
	reg.Active = true
	return nil
}

func (r *PostgresRepository) GetRegistration(ctx context.Context, id string) (*models.AgentRegistration, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT registration_id, agent_name, agent_ip, hostname, os_name, os_version, runtime_version,
			agent_version, log_paths, iptables_enabled, api_key_verified, active, registered_at,
			last_heartbeat, heartbeat_count, logs_processed
		FROM agent_registrations
		WHERE registration_id = $1
	`

	var reg models.AgentRegistration
	var lastHeartbeat *time.Time
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&reg.RegistrationID, &reg.AgentName, &reg.AgentIP, &reg.Hostname, &reg.OSName, &reg.OSVersion,
		&reg.RuntimeVersion, &reg.AgentVersion, &reg.LogPaths, &reg.IptablesOn, &reg.APIKeyVerified,
		&reg.Active, &reg.RegisteredAt, &lastHeartbeat, &reg.HeartbeatCount, &reg.LogsProcessed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	if lastHeartbeat != nil {
		reg.LastHeartbeat = *lastHeartbeat
	}
	return &reg, nil
}

func (r *PostgresRepository) DeactivateRegistration(ctx context.Context, id string, at time.Time) error {
	return r.updateRegistration(ctx, "deactivate registration",
		`UPDATE agent_registrations SET active = FALSE, unregistered_at = $2 WHERE registration_id = $1`,
		id, at)
}

func (r *PostgresRepository) RecordHeartbeat(ctx context.Context, id string, at time.Time) error {
	return r.updateRegistration(ctx, "record heartbeat",
		`UPDATE agent_registrations SET last_heartbeat = $2, heartbeat_count = heartbeat_count + 1 WHERE registration_id = $1`,
		id, at)
}

func (r *PostgresRepository) AddLogsProcessed(ctx context.Context, id string, n int) error {
	return r.updateRegistration(ctx, "update processed count",
		`UPDATE agent_registrations SET logs_processed = logs_processed + $2 WHERE registration_id = $1`,
		id, n)
}

func (r *PostgresRepository) updateRegistration(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRegistrationNotFound
	}
	return nil
}

func (r *PostgresRepository) CountActiveRegistrations(ctx context.Context) (int, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM agent_registrations WHERE active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count registrations: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) CreateBlockRequest(ctx context.Context, req *models.BlockRequest) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO block_requests (id, registration_id, ip_address, duration_seconds, reason, chain_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		req.ID, req.RegistrationID, req.IPAddress, req.Duration, req.Reason, req.ChainName, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create block request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) TakePendingBlockRequests(ctx context.Context, registrationID string, limit int) ([]models.BlockRequest, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = MaxPendingBlockRequests
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id::text, registration_id, ip_address, duration_seconds, reason, chain_name, created_at
		FROM block_requests
		WHERE registration_id = $1 AND delivered_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, registrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query block requests: %w", err)
	}

	var reqs []models.BlockRequest
	for rows.Next() {
		var req models.BlockRequest
		if err := rows.Scan(&req.ID, &req.RegistrationID, &req.IPAddress, &req.Duration,
			&req.Reason, &req.ChainName, &req.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan block request: %w", err)
		}
		reqs = append(reqs, req)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read block requests: %w", err)
	}

	if len(reqs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}
	if _, err := tx.Exec(ctx, `UPDATE block_requests SET delivered_at = now() WHERE id::text = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("failed to mark block requests delivered: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit block requests: %w", err)
	}
	return reqs, nil
}
