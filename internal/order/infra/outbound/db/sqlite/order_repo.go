package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/davicafu/hexaretail/internal/order/domain"
	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
)

type OrderRepoSQLite struct {
	db     *sql.DB
	outbox sharedDomain.OutboxWriter
	clock  sharedDomain.Clock
}

var _ domain.OrderRepository = (*OrderRepoSQLite)(nil)

func NewOrderRepoSQLite(db *sql.DB, outbox sharedDomain.OutboxWriter) *OrderRepoSQLite {
	return &OrderRepoSQLite{db: db, outbox: outbox, clock: sharedDomain.SystemClock{}}
}

func (r *OrderRepoSQLite) WithClock(clock sharedDomain.Clock) *OrderRepoSQLite {
	r.clock = clock
	return r
}

// InitOrderSchema crea las tablas de pedidos y stock.
func InitOrderSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			lines TEXT NOT NULL,
			total INTEGER NOT NULL,
			status TEXT NOT NULL,
			cancel_reason TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_tenant ON orders (tenant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS stock (
			tenant_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 0),
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, product_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init order schema: %w", err)
		}
	}
	return nil
}

// ------------------ Escrituras ------------------

// PlaceOrder inserta el pedido, descuenta el stock de cada línea y registra
// order.created más un inventory.stock.changed por línea, todo en la misma transacción.
func (r *OrderRepoSQLite) PlaceOrder(ctx context.Context, o *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal order lines: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, tenant_id, customer_id, lines, total, status, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		o.ID.String(), o.TenantID, o.CustomerID, string(lines), o.Total, string(o.Status),
		o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if err := r.outbox.RecordEvent(ctx, tx, o.TenantID, o.ID.String(), domain.OrderAggregate, domain.OrderCreatedEvent, orderCreatedPayload(o)); err != nil {
		return err
	}

	for _, l := range o.Lines {
		if err := r.changeStockTx(ctx, tx, o.TenantID, l.ProductID, -l.Quantity, domain.StockReasonOrderPlaced, &o.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CancelOrder marca el pedido como cancelado solo si seguía placed, repone el stock y registra los eventos.
func (r *OrderRepoSQLite) CancelOrder(ctx context.Context, tenantID string, id uuid.UUID, reason string) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := getOrder(ctx, tx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := o.Cancel(reason, r.clock.Now()); err != nil {
		return nil, err
	}

	// Condicional sobre el estado: si otra transacción canceló antes, no se repone stock dos veces.
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, cancel_reason = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		string(domain.OrderCancelled), reason, o.UpdatedAt.UnixNano(), id.String(), tenantID, string(domain.OrderPlaced),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrOrderAlreadyCancelled
	}

	payload := sharedEvents.OrderCancelled{OrderID: o.ID, Reason: reason}
	if err := r.outbox.RecordEvent(ctx, tx, tenantID, o.ID.String(), domain.OrderAggregate, domain.OrderCancelledEvent, payload); err != nil {
		return nil, err
	}
	for _, l := range o.Lines {
		if err := r.changeStockTx(ctx, tx, tenantID, l.ProductID, l.Quantity, domain.StockReasonOrderCancelled, &o.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

// AdjustStock aplica un delta manual al stock. Un delta positivo da de alta el producto si no existía.
func (r *OrderRepoSQLite) AdjustStock(ctx context.Context, tenantID, productID string, delta int, reason string) (int, error) {
	if delta == 0 {
		return 0, domain.ErrInvalidStockDelta
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.changeStockTx(ctx, tx, tenantID, productID, delta, reason, nil); err != nil {
		return 0, err
	}
	qty, err := stockTx(ctx, tx, tenantID, productID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return qty, nil
}

// changeStockTx aplica el delta y registra inventory.stock.changed con la cantidad resultante.
func (r *OrderRepoSQLite) changeStockTx(ctx context.Context, tx *sql.Tx, tenantID, productID string, delta int, reason string, orderID *uuid.UUID) error {
	qty, err := applyStockDelta(ctx, tx, tenantID, productID, delta, r.clock.Now())
	if err != nil {
		return err
	}
	payload := sharedEvents.StockChanged{
		ProductID: productID,
		Delta:     delta,
		Quantity:  qty,
		Reason:    reason,
		OrderID:   orderID,
	}
	return r.outbox.RecordEvent(ctx, tx, tenantID, productID, domain.InventoryAggregate, domain.StockChangedEvent, payload)
}

// applyStockDelta devuelve la cantidad resultante. Nunca deja el stock en negativo.
func applyStockDelta(ctx context.Context, tx *sql.Tx, tenantID, productID string, delta int, now time.Time) (int, error) {
	var qty int
	var err error
	if delta > 0 {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO stock (tenant_id, product_id, quantity, updated_at) VALUES (?,?,?,?)
			 ON CONFLICT (tenant_id, product_id) DO UPDATE
			 SET quantity = stock.quantity + excluded.quantity, updated_at = excluded.updated_at
			 RETURNING quantity`,
			tenantID, productID, delta, now.UnixNano(),
		).Scan(&qty)
	} else {
		err = tx.QueryRowContext(ctx,
			`UPDATE stock SET quantity = quantity + ?, updated_at = ?
			 WHERE tenant_id = ? AND product_id = ? AND quantity + ? >= 0
			 RETURNING quantity`,
			delta, now.UnixNano(), tenantID, productID, delta,
		).Scan(&qty)
	}
	if err == nil {
		return qty, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to update stock: %w", err)
	}

	if _, err := stockTx(ctx, tx, tenantID, productID); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: product %s", domain.ErrInsufficientStock, productID)
}

// ------------------ Lecturas ------------------

func (r *OrderRepoSQLite) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*domain.Order, error) {
	return getOrder(ctx, r.db, tenantID, id)
}

func (r *OrderRepoSQLite) GetStock(ctx context.Context, tenantID, productID string) (int, error) {
	return stockTx(ctx, r.db, tenantID, productID)
}

// queryer lo cumplen *sql.DB y *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getOrder(ctx context.Context, q queryer, tenantID string, id uuid.UUID) (*domain.Order, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, tenant_id, customer_id, lines, total, status, COALESCE(cancel_reason, ''), created_at, updated_at
		 FROM orders WHERE id = ? AND tenant_id = ?`,
		id.String(), tenantID,
	)

	var o domain.Order
	var idStr, lines, status string
	var createdAt, updatedAt int64
	if err := row.Scan(&idStr, &o.TenantID, &o.CustomerID, &lines, &o.Total, &status, &o.CancelReason, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("db scan error: %w", err)
	}

	parsedID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	if err := json.Unmarshal([]byte(lines), &o.Lines); err != nil {
		return nil, fmt.Errorf("invalid order lines in DB: %w", err)
	}
	o.ID = parsedID
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	o.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &o, nil
}

func stockTx(ctx context.Context, q queryer, tenantID, productID string) (int, error) {
	var qty int
	err := q.QueryRowContext(ctx,
		`SELECT quantity FROM stock WHERE tenant_id = ? AND product_id = ?`, tenantID, productID,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return qty, err
}

func orderCreatedPayload(o *domain.Order) sharedEvents.OrderCreated {
	lines := make([]sharedEvents.OrderLine, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = sharedEvents.OrderLine{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
	}
	return sharedEvents.OrderCreated{OrderID: o.ID, CustomerID: o.CustomerID, Lines: lines, Total: o.Total}
}
