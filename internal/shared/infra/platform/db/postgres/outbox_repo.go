package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davicafu/hexaretail/internal/shared/domain"
	sharedQuery "github.com/davicafu/hexaretail/internal/shared/infra/platform/query"
	sharedUtils "github.com/davicafu/hexaretail/internal/shared/infra/utils"
	"github.com/google/uuid"
)

const outboxColumns = `id, tenant_id, aggregate_id, aggregate_type, event_type, payload, status,
	retry_count, COALESCE(error_message, ''), created_at, updated_at, processed_at`

var outboxSortFields = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"processed_at": true,
	"retry_count":  true,
}

// OutboxRepoPostgres implementa el almacén de eventos outbox sobre Postgres (driver pgx/stdlib).
type OutboxRepoPostgres struct {
	db    *sql.DB
	clock domain.Clock
}

var _ domain.OutboxStore = (*OutboxRepoPostgres)(nil)

func NewOutboxRepoPostgres(db *sql.DB) *OutboxRepoPostgres {
	return &OutboxRepoPostgres{db: db, clock: domain.SystemClock{}}
}

// InitPostgresOutboxSchema crea la tabla 'outbox' si no existe.
func InitPostgresOutboxSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			processed_at TIMESTAMP WITH TIME ZONE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE status = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_completed ON outbox (processed_at) WHERE status = 'COMPLETED'`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_tenant ON outbox (tenant_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init outbox schema: %w", err)
		}
	}
	return nil
}

// ------------------ Writer ------------------

func (r *OutboxRepoPostgres) RecordEvent(ctx context.Context, tx *sql.Tx, tenantID, aggregateID, aggregateType, eventType string, payload interface{}) error {
	if tx == nil {
		return fmt.Errorf("%w: an open transaction is required", domain.ErrInvalidOutboxEvent)
	}
	evt, err := domain.NewOutboxEvent(tenantID, aggregateID, aggregateType, eventType, payload, r.clock.Now())
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (id, tenant_id, aggregate_id, aggregate_type, event_type, payload, status, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`,
		evt.ID, evt.TenantID, evt.AggregateID, evt.AggregateType, evt.EventType, []byte(evt.Payload),
		string(domain.OutboxPending), evt.CreatedAt, evt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ------------------ Dispatcher ------------------

func (r *OutboxRepoPostgres) FetchPendingOutbox(ctx context.Context, limit, maxRetries int) ([]domain.OutboxEvent, error) {
	return r.query(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox
		 WHERE status = $1 AND retry_count < $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		string(domain.OutboxPending), maxRetries, limit,
	)
}

func (r *OutboxRepoPostgres) ClaimOutbox(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(domain.OutboxProcessing), r.clock.Now(), id, string(domain.OutboxPending),
	)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	return rows == 1, nil
}

func (r *OutboxRepoPostgres) MarkOutboxCompleted(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, processed_at = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(domain.OutboxCompleted), processedAt.UTC(), r.clock.Now(), id, string(domain.OutboxProcessing),
	)
	return expectOneRow(res, err, id)
}

func (r *OutboxRepoPostgres) MarkOutboxFailedAttempt(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (domain.OutboxStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx,
		`UPDATE outbox
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END,
		     error_message = $4,
		     updated_at = $5
		 WHERE id = $6 AND status = $7
		 RETURNING status`,
		maxRetries, string(domain.OutboxFailed), string(domain.OutboxPending),
		errMsg, r.clock.Now(), id, string(domain.OutboxProcessing),
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", domain.ErrOutboxNotClaimed, id)
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return domain.OutboxStatus(status), nil
}

func (r *OutboxRepoPostgres) ReleaseOutbox(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(domain.OutboxPending), r.clock.Now(), id, string(domain.OutboxProcessing),
	)
	return expectOneRow(res, err, id)
}

func (r *OutboxRepoPostgres) FailExhaustedPending(ctx context.Context, maxRetries int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox
		 SET status = $1,
		     error_message = COALESCE(NULLIF(error_message, ''), $2),
		     updated_at = $3
		 WHERE status = $4 AND retry_count >= $5`,
		string(domain.OutboxFailed), fmt.Sprintf("retry budget exhausted (max %d)", maxRetries), r.clock.Now(),
		string(domain.OutboxPending), maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

func (r *OutboxRepoPostgres) ResetStuckProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4`,
		string(domain.OutboxPending), r.clock.Now(), string(domain.OutboxProcessing), olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

// ------------------ Retención ------------------

func (r *OutboxRepoPostgres) FetchCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	return r.query(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox
		 WHERE status = $1 AND processed_at < $2
		 ORDER BY processed_at ASC
		 LIMIT $3`,
		string(domain.OutboxCompleted), cutoff.UTC(), limit,
	)
}

func (r *OutboxRepoPostgres) DeleteCompletedOutbox(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = $1 AND id = ANY($2::uuid[])`,
		string(domain.OutboxCompleted), strIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

// ------------------ Consultas ------------------

func (r *OutboxRepoPostgres) GetOutboxByID(ctx context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id)
	evt, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOutboxNotFound
		}
		return nil, fmt.Errorf("db scan error: %w", err)
	}
	return &evt, nil
}

// applyCriteria traduce criterios a SQL para Postgres ($1, $2...).
func (r *OutboxRepoPostgres) applyCriteria(criteria domain.Criteria) (string, []interface{}) {
	if criteria == nil {
		return "", nil
	}
	conds := criteria.ToConditions()
	if len(conds) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}
	for i, c := range conds {
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", c.Field, c.Op, i+1))
		args = append(args, c.Value)
	}
	return strings.Join(clauses, " AND "), args
}

func (r *OutboxRepoPostgres) ListOutbox(ctx context.Context, criteria domain.Criteria, pagination sharedQuery.OffsetPagination, sort sharedQuery.Sort) ([]domain.OutboxEvent, error) {
	whereSQL, args := r.applyCriteria(criteria)

	query := "SELECT " + outboxColumns + " FROM outbox"
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	argOffset := len(args)
	query += fmt.Sprintf(" ORDER BY %s %s", sort.SafeField(outboxSortFields, "created_at"), sharedUtils.Ternary(sort.Desc, "DESC", "ASC"))

	if pagination.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argOffset+1, argOffset+2)
		args = append(args, pagination.Limit, pagination.Offset)
	}

	return r.query(ctx, query, args...)
}

func (r *OutboxRepoPostgres) CountOutboxByStatus(ctx context.Context, tenantID string) (map[domain.OutboxStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM outbox`
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.OutboxStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.OutboxStatus(status)] = n
	}
	return counts, rows.Err()
}

// ------------------ Helpers ------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutbox(s rowScanner) (domain.OutboxEvent, error) {
	var evt domain.OutboxEvent
	var idStr, status string
	var payload []byte
	var processedAt sql.NullTime

	if err := s.Scan(&idStr, &evt.TenantID, &evt.AggregateID, &evt.AggregateType, &evt.EventType, &payload,
		&status, &evt.RetryCount, &evt.ErrorMessage, &evt.CreatedAt, &evt.UpdatedAt, &processedAt); err != nil {
		return domain.OutboxEvent{}, err
	}

	parsedID, err := uuid.Parse(idStr)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("invalid UUID in outbox row: %w", err)
	}
	evt.ID = parsedID
	evt.Payload = payload
	evt.Status = domain.OutboxStatus(status)
	evt.CreatedAt = evt.CreatedAt.UTC()
	evt.UpdatedAt = evt.UpdatedAt.UTC()
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		evt.ProcessedAt = &t
	}
	return evt, nil
}

func (r *OutboxRepoPostgres) query(ctx context.Context, query string, args ...interface{}) ([]domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		evt, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func expectOneRow(res sql.Result, err error, id uuid.UUID) error {
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrOutboxNotClaimed, id)
	}
	return nil
}
