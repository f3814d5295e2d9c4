package mongodb

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/davicafu/hexaretail/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestToMongoArchivedEvent(t *testing.T) {
	processedAt := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	evt := domain.OutboxEvent{
		ID:            uuid.New(),
		TenantID:      "t1",
		AggregateType: "order",
		AggregateID:   "ord-1",
		EventType:     "created",
		Payload:       json.RawMessage(`{"total":10}`),
		Status:        domain.OutboxCompleted,
		ProcessedAt:   &processedAt,
	}

	doc := toMongoArchivedEvent(evt, processedAt.Add(time.Hour))

	assert.Equal(t, evt.ID.String(), doc.ID)
	assert.Equal(t, "order.created", doc.RoutingKey)
	payload, ok := doc.Payload.(bson.D)
	if assert.True(t, ok, "el payload JSON se guarda como documento") {
		assert.Equal(t, "total", payload[0].Key)
	}
	assert.Equal(t, &processedAt, doc.ProcessedAt)
}

func TestToMongoArchivedEvent_NonObjectPayload(t *testing.T) {
	evt := domain.OutboxEvent{ID: uuid.New(), AggregateType: "order", EventType: "created", Payload: json.RawMessage(`"plain"`)}

	doc := toMongoArchivedEvent(evt, time.Now())
	assert.Equal(t, `"plain"`, doc.Payload)
}

func TestOnlyDuplicateKeyErrors(t *testing.T) {
	dup := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: 11000}}}}
	mixed := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: 11000}}, {WriteError: mongo.WriteError{Code: 121}}}}

	assert.True(t, onlyDuplicateKeyErrors(dup))
	assert.False(t, onlyDuplicateKeyErrors(mixed))
	assert.False(t, onlyDuplicateKeyErrors(errors.New("network")))
}
