package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchRoutingKey(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.cancelled", false},
		{"order.*", "order.created", true},
		{"order.*", "order.created.v2", false},
		{"inventory.stock.#", "inventory.stock.changed", true},
		{"inventory.stock.#", "inventory.stock", true},
		{"inventory.stock.#", "inventory.price.changed", false},
		{"#", "order.created", true},
		{"#.changed", "inventory.stock.changed", true},
		{"*.stock.*", "inventory.stock.changed", true},
		{"*.created", "created", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchRoutingKey(tt.pattern, tt.key))
		})
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"order.*", "inventory.stock.#"}

	assert.True(t, MatchAny(patterns, "order.cancelled"))
	assert.True(t, MatchAny(patterns, "inventory.stock.changed"))
	assert.False(t, MatchAny(patterns, "transfer.created"))
	assert.False(t, MatchAny(nil, "order.created"))
}

func TestDeadLetterRoutingKey(t *testing.T) {
	assert.Equal(t, "billing.orders.failed", DeadLetterRoutingKey("billing.orders"))
}
