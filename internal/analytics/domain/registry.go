package domain

// Cola de la proyección y patrón al que se liga: recibe todo lo que se publica.
const (
	DefaultQueue = "analytics.delivered-events"
	AllEvents    = "#"
	DedupeScope  = "analytics"
)

// OrderCreatedKey es el único evento del que la proyección extrae importe.
const OrderCreatedKey = "order.created"
