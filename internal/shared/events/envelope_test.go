package events

import (
	"encoding/json"
	"testing"
	"time"

	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_WireFormat(t *testing.T) {
	createdAt := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	evt, err := sharedDomain.NewOutboxEvent("tenant-1", "ord-9", "order", "created", map[string]int{"total": 42}, createdAt)
	require.NoError(t, err)

	env, err := NewEnvelope(evt)
	require.NoError(t, err)
	assert.Equal(t, evt.ID.String(), env.EventID)
	assert.Equal(t, "order.created", env.RoutingKey())

	data, err := env.Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"tenantId": "tenant-1",
		"aggregateId": "ord-9",
		"aggregateType": "order",
		"eventType": "created",
		"payload": {"total": 42},
		"timestamp": "2024-05-02T09:30:00Z"
	}`, string(data))
}

func TestNewEnvelope_InvalidPayload(t *testing.T) {
	evt := sharedDomain.OutboxEvent{AggregateType: "order", EventType: "created", Payload: json.RawMessage(`{broken`)}

	_, err := NewEnvelope(evt)
	assert.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"tenantId":"t","aggregateId":"a","aggregateType":"inventory","eventType":"stock.changed","payload":{"delta":-2},"timestamp":"2024-05-02T09:30:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "inventory.stock.changed", env.RoutingKey())
	assert.JSONEq(t, `{"delta":-2}`, string(env.Payload))

	_, err = DecodeEnvelope([]byte(`{"tenantId":"t"}`))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`nope`))
	assert.Error(t, err)
}
