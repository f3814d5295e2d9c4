package domain

// Tipos de agregado y de evento. La routing key resultante es "<agregado>.<evento>",
// p. ej. "order.created" o "inventory.stock.changed".
const (
	OrderAggregate     = "order"
	InventoryAggregate = "inventory"

	OrderCreatedEvent   = "created"
	OrderCancelledEvent = "cancelled"
	StockChangedEvent   = "stock.changed"
)

// Motivos de un cambio de stock.
const (
	StockReasonOrderPlaced    = "order_placed"
	StockReasonOrderCancelled = "order_cancelled"
	StockReasonAdjustment     = "manual_adjustment"
)
