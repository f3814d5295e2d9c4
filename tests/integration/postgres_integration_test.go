package integration

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	orderDomain "github.com/davicafu/hexaretail/internal/order/domain"
	orderPostgres "github.com/davicafu/hexaretail/internal/order/infra/outbound/db/postgres"
	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	infraEvents "github.com/davicafu/hexaretail/internal/shared/infra/events"
	"github.com/davicafu/hexaretail/internal/shared/infra/platform/db/postgres"
	sharedQuery "github.com/davicafu/hexaretail/internal/shared/infra/platform/query"
	"github.com/davicafu/hexaretail/internal/shared/infra/relayer"

	// Driver de PostgreSQL
	_ "github.com/jackc/pgx/v5/stdlib"
)

// setupPostgresTestDB se conecta a Postgres, crea el esquema y limpia las tablas.
func setupPostgresTestDB(t *testing.T) *sql.DB {
	// Lee la cadena de conexión desde una variable de entorno
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		t.Skip("DATABASE_URL no está configurada, saltando test de integración con Postgres")
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgres.InitPostgresOutboxSchema(db))
	require.NoError(t, orderPostgres.InitPostgresOrderSchema(db))

	// ❗ MUY IMPORTANTE: Limpiar las tablas antes de cada test para asegurar el aislamiento
	_, err = db.Exec(`TRUNCATE TABLE outbox, orders, stock`)
	require.NoError(t, err)

	return db
}

func TestPostgres_OrderEventsAreDispatched(t *testing.T) {
	db := setupPostgresTestDB(t)
	ctx := context.Background()

	outbox := postgres.NewOutboxRepoPostgres(db)
	orders := orderPostgres.NewOrderRepoPostgres(db, outbox)

	_, err := orders.AdjustStock(ctx, "t1", "sku-1", 3, orderDomain.StockReasonAdjustment)
	require.NoError(t, err)
	o, err := orderDomain.NewOrder("t1", "cust-1", []orderDomain.OrderLine{{ProductID: "sku-1", Quantity: 2, UnitPrice: 100}}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, orders.PlaceOrder(ctx, o))

	bus := infraEvents.NewInMemoryEventBus(16, zap.NewNop())
	defer bus.Close()

	res, err := relayer.NewDispatcher(outbox, bus, relayer.DispatcherConfig{}, zap.NewNop()).ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Published)

	counts, err := outbox.CountOutboxByStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[sharedDomain.OutboxCompleted])

	events, err := outbox.ListOutbox(ctx, sharedDomain.AggregateCriteria{Type: orderDomain.OrderAggregate, ID: o.ID.String()},
		sharedQuery.OffsetPagination{}, sharedQuery.Sort{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotNil(t, events[0].ProcessedAt)
}

func TestPostgres_InsufficientStockRollsBack(t *testing.T) {
	db := setupPostgresTestDB(t)
	ctx := context.Background()

	outbox := postgres.NewOutboxRepoPostgres(db)
	orders := orderPostgres.NewOrderRepoPostgres(db, outbox)

	_, err := orders.AdjustStock(ctx, "t1", "sku-1", 1, orderDomain.StockReasonAdjustment)
	require.NoError(t, err)

	o, err := orderDomain.NewOrder("t1", "cust-1", []orderDomain.OrderLine{{ProductID: "sku-1", Quantity: 2, UnitPrice: 100}}, time.Now().UTC())
	require.NoError(t, err)
	assert.ErrorIs(t, orders.PlaceOrder(ctx, o), orderDomain.ErrInsufficientStock)

	_, err = orders.GetByID(ctx, "t1", o.ID)
	assert.ErrorIs(t, err, orderDomain.ErrOrderNotFound)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE tenant_id = $1`, "t1").Scan(&count))
	assert.Equal(t, 1, count, "solo el ajuste de stock inicial debe estar en el outbox")
}

func TestPostgres_RetentionKeepsFailedRows(t *testing.T) {
	db := setupPostgresTestDB(t)
	ctx := context.Background()
	outbox := postgres.NewOutboxRepoPostgres(db)

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	_, err := db.Exec(`INSERT INTO outbox (id, tenant_id, aggregate_id, aggregate_type, event_type, payload, status, retry_count, created_at, updated_at, processed_at)
		VALUES (gen_random_uuid(), 't1', 'a', 'order', 'created', '{}', 'COMPLETED', 0, $1, $1, $1),
		       (gen_random_uuid(), 't1', 'b', 'order', 'created', '{}', 'FAILED', 5, $1, $1, NULL)`, old)
	require.NoError(t, err)

	deleted, err := relayer.NewRetentionSweeper(outbox, nil, 0, 0, zap.NewNop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	counts, err := outbox.CountOutboxByStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[sharedDomain.OutboxStatus]int64{sharedDomain.OutboxFailed: 1}, counts)
}
