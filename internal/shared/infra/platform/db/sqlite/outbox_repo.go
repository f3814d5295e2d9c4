package sqlite

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

// En SQLite los instantes se guardan como nanosegundos Unix (INTEGER) para que
// las comparaciones y el ORDER BY sean numéricos y no dependan del formato de texto.

const outboxColumns = `id, tenant_id, aggregate_id, aggregate_type, event_type, payload, status,
	retry_count, COALESCE(error_message, ''), created_at, updated_at, processed_at`

var outboxSortFields = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"processed_at": true,
	"retry_count":  true,
}

// OutboxRepoSQLite implementa el almacén de eventos outbox para SQLite.
type OutboxRepoSQLite struct {
	db    *sql.DB
	clock domain.Clock
}

var _ domain.OutboxStore = (*OutboxRepoSQLite)(nil)

func NewOutboxRepoSQLite(db *sql.DB) *OutboxRepoSQLite {
	return &OutboxRepoSQLite{db: db, clock: domain.SystemClock{}}
}

// WithClock sustituye el reloj usado para created_at/updated_at.
func (r *OutboxRepoSQLite) WithClock(clock domain.Clock) *OutboxRepoSQLite {
	r.clock = clock
	return r
}

// InitOutboxSchema crea la tabla 'outbox' y sus índices si no existen.
func InitOutboxSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			processed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_processed ON outbox (status, processed_at)`,
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

// RecordEvent inserta un evento PENDING dentro de la transacción del llamador.
func (r *OutboxRepoSQLite) RecordEvent(ctx context.Context, tx *sql.Tx, tenantID, aggregateID, aggregateType, eventType string, payload interface{}) error {
	if tx == nil {
		return fmt.Errorf("%w: an open transaction is required", domain.ErrInvalidOutboxEvent)
	}
	evt, err := domain.NewOutboxEvent(tenantID, aggregateID, aggregateType, eventType, payload, r.clock.Now())
	if err != nil {
		return err
	}
	return insertOutboxTx(ctx, tx, evt)
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, evt domain.OutboxEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (id, tenant_id, aggregate_id, aggregate_type, event_type, payload, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		evt.ID.String(), evt.TenantID, evt.AggregateID, evt.AggregateType, evt.EventType, string(evt.Payload),
		string(domain.OutboxPending), toNanos(evt.CreatedAt), toNanos(evt.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ------------------ Dispatcher ------------------

func (r *OutboxRepoSQLite) FetchPendingOutbox(ctx context.Context, limit, maxRetries int) ([]domain.OutboxEvent, error) {
	return r.query(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox
		 WHERE status = ? AND retry_count < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		string(domain.OutboxPending), maxRetries, limit,
	)
}

// ClaimOutbox es un UPDATE condicional: solo una llamada concurrente ve una fila afectada.
func (r *OutboxRepoSQLite) ClaimOutbox(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.OutboxProcessing), toNanos(r.clock.Now()), id.String(), string(domain.OutboxPending),
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

func (r *OutboxRepoSQLite) MarkOutboxCompleted(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, processed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.OutboxCompleted), toNanos(processedAt), toNanos(r.clock.Now()), id.String(), string(domain.OutboxProcessing),
	)
	return expectOneRow(res, err, id)
}

func (r *OutboxRepoSQLite) MarkOutboxFailedAttempt(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (domain.OutboxStatus, error) {
	// En SQL todas las expresiones del SET ven el retry_count anterior.
	var status string
	err := r.db.QueryRowContext(ctx,
		`UPDATE outbox
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END,
		     error_message = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING status`,
		maxRetries, string(domain.OutboxFailed), string(domain.OutboxPending),
		errMsg, toNanos(r.clock.Now()), id.String(), string(domain.OutboxProcessing),
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", domain.ErrOutboxNotClaimed, id)
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return domain.OutboxStatus(status), nil
}

func (r *OutboxRepoSQLite) ReleaseOutbox(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.OutboxPending), toNanos(r.clock.Now()), id.String(), string(domain.OutboxProcessing),
	)
	return expectOneRow(res, err, id)
}

func (r *OutboxRepoSQLite) FailExhaustedPending(ctx context.Context, maxRetries int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox
		 SET status = ?,
		     error_message = COALESCE(NULLIF(error_message, ''), ?),
		     updated_at = ?
		 WHERE status = ? AND retry_count >= ?`,
		string(domain.OutboxFailed), exhaustedMessage(maxRetries), toNanos(r.clock.Now()),
		string(domain.OutboxPending), maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

func (r *OutboxRepoSQLite) ResetStuckProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(domain.OutboxPending), toNanos(r.clock.Now()), string(domain.OutboxProcessing), toNanos(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

// ------------------ Retención ------------------

func (r *OutboxRepoSQLite) FetchCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	return r.query(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox
		 WHERE status = ? AND processed_at < ?
		 ORDER BY processed_at ASC
		 LIMIT ?`,
		string(domain.OutboxCompleted), toNanos(cutoff), limit,
	)
}

// DeleteCompletedOutbox solo borra filas COMPLETED aunque reciba otros ids.
func (r *OutboxRepoSQLite) DeleteCompletedOutbox(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, string(domain.OutboxCompleted))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id.String())
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = ? AND id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

// ------------------ Consultas ------------------

func (r *OutboxRepoSQLite) GetOutboxByID(ctx context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id.String())
	evt, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOutboxNotFound
		}
		return nil, fmt.Errorf("db scan error: %w", err)
	}
	return &evt, nil
}

// applyCriteria traduce criterios a SQL para SQLite (?).
func (r *OutboxRepoSQLite) applyCriteria(criteria domain.Criteria) (string, []interface{}) {
	if criteria == nil {
		return "", nil
	}
	conds := criteria.ToConditions()
	if len(conds) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}
	for _, c := range conds {
		clauses = append(clauses, fmt.Sprintf("%s %s ?", c.Field, c.Op))
		if t, ok := c.Value.(time.Time); ok {
			args = append(args, toNanos(t))
			continue
		}
		args = append(args, c.Value)
	}
	return strings.Join(clauses, " AND "), args
}

func (r *OutboxRepoSQLite) ListOutbox(ctx context.Context, criteria domain.Criteria, pagination sharedQuery.OffsetPagination, sort sharedQuery.Sort) ([]domain.OutboxEvent, error) {
	whereSQL, args := r.applyCriteria(criteria)

	query := "SELECT " + outboxColumns + " FROM outbox"
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sort.SafeField(outboxSortFields, "created_at"), sharedUtils.Ternary(sort.Desc, "DESC", "ASC"))

	if pagination.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, pagination.Limit, pagination.Offset)
	}

	return r.query(ctx, query, args...)
}

func (r *OutboxRepoSQLite) CountOutboxByStatus(ctx context.Context, tenantID string) (map[domain.OutboxStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM outbox`
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
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

func exhaustedMessage(maxRetries int) string {
	return fmt.Sprintf("retry budget exhausted (max %d)", maxRetries)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutbox(s rowScanner) (domain.OutboxEvent, error) {
	var evt domain.OutboxEvent
	var payload, status string
	var createdAt, updatedAt int64
	var processedAt sql.NullInt64

	if err := s.Scan(&evt.ID, &evt.TenantID, &evt.AggregateID, &evt.AggregateType, &evt.EventType, &payload,
		&status, &evt.RetryCount, &evt.ErrorMessage, &createdAt, &updatedAt, &processedAt); err != nil {
		return domain.OutboxEvent{}, err
	}

	evt.Payload = []byte(payload)
	evt.Status = domain.OutboxStatus(status)
	evt.CreatedAt = fromNanos(createdAt)
	evt.UpdatedAt = fromNanos(updatedAt)
	if processedAt.Valid {
		t := fromNanos(processedAt.Int64)
		evt.ProcessedAt = &t
	}
	return evt, nil
}

func (r *OutboxRepoSQLite) query(ctx context.Context, query string, args ...interface{}) ([]domain.OutboxEvent, error) {
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

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
