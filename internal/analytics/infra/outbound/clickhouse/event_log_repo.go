package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/davicafu/hexaretail/internal/analytics/domain"
)

// EventLogRepo implementa EventLogRepository para ClickHouse.
type EventLogRepo struct {
	db *sql.DB
}

// NewEventLogRepo abre la conexión y comprueba que responde.
func NewEventLogRepo(ctx context.Context, addr, dbName string) (*EventLogRepo, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}

	return &EventLogRepo{db: conn}, nil
}

// NewEventLogRepoFromDB permite reutilizar una conexión ya abierta.
func NewEventLogRepoFromDB(db *sql.DB) *EventLogRepo {
	return &EventLogRepo{db: db}
}

func (r *EventLogRepo) Close() error {
	return r.db.Close()
}

// InitSchema crea la tabla si no existe.
// ReplacingMergeTree colapsa las entregas repetidas del mismo evento al fusionar partes.
func (r *EventLogRepo) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS delivered_events (
			event_id       String,
			tenant_id      String,
			aggregate_type LowCardinality(String),
			aggregate_id   String,
			event_type     LowCardinality(String),
			routing_key    LowCardinality(String),
			amount         Int64,
			payload        String,
			occurred_at    DateTime64(3),
			received_at    DateTime64(3)
		) ENGINE = ReplacingMergeTree(received_at)
		PARTITION BY toYYYYMM(occurred_at)
		ORDER BY (tenant_id, routing_key, event_id)
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// LogBatch inserta el lote en una sola operación.
func (r *EventLogRepo) LogBatch(ctx context.Context, events []domain.DeliveredEvent) error {
	if len(events) == 0 {
		return nil
	}

	// ClickHouse funciona mejor con inserciones en lotes.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO delivered_events
		(event_id, tenant_id, aggregate_type, aggregate_id, event_type, routing_key, amount, payload, occurred_at, received_at)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, evt := range events {
		if _, err := stmt.ExecContext(ctx,
			evt.EventID,
			evt.TenantID,
			evt.AggregateType,
			evt.AggregateID,
			evt.EventType,
			evt.RoutingKey,
			evt.Amount,
			evt.Payload,
			evt.OccurredAt,
			evt.ReceivedAt,
		); err != nil {
			// Si un registro falla, se descarta el lote entero.
			_ = tx.Rollback()
			return fmt.Errorf("failed to exec statement for event %s: %w", evt.EventID, err)
		}
	}

	return tx.Commit()
}

// CountByEventType cuenta eventos únicos por routing key. FINAL aplica la deduplicación
// de ReplacingMergeTree aunque las partes aún no se hayan fusionado.
func (r *EventLogRepo) CountByEventType(ctx context.Context, filter domain.CountFilter) ([]domain.EventCount, error) {
	query, args := buildCountQuery(filter)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []domain.EventCount
	for rows.Next() {
		var c domain.EventCount
		var n uint64
		if err := rows.Scan(&c.RoutingKey, &n, &c.Amount); err != nil {
			return nil, err
		}
		c.Count = int64(n)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func buildCountQuery(filter domain.CountFilter) (string, []interface{}) {
	var where []string
	var args []interface{}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if !filter.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		where = append(where, "occurred_at <= ?")
		args = append(args, filter.To)
	}

	query := "SELECT routing_key, count() AS n, sum(amount) AS amount FROM delivered_events FINAL"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY routing_key ORDER BY routing_key"
	return query, args
}

// Verificación estática de la interfaz.
var _ domain.EventLogRepository = (*EventLogRepo)(nil)
