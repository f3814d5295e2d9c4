package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/hexaretail/internal/analytics/application"
	"github.com/davicafu/hexaretail/internal/analytics/domain"
	"github.com/davicafu/hexaretail/internal/analytics/infra/outbound/memory"
	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
	sharedInfraEvents "github.com/davicafu/hexaretail/internal/shared/infra/events"
	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/hexaretail/internal/shared/infra/platform/cache"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var occurred = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func envelope(t *testing.T, id, aggType, evtType string, payload interface{}) sharedEvents.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return sharedEvents.Envelope{
		EventID:       id,
		TenantID:      "t1",
		AggregateID:   "agg-1",
		AggregateType: aggType,
		EventType:     evtType,
		Payload:       raw,
		Timestamp:     occurred,
	}
}

func message(t *testing.T, env sharedEvents.Envelope) sharedBus.Message {
	t.Helper()
	body, err := env.Marshal()
	require.NoError(t, err)
	return sharedBus.Message{ID: env.EventID, RoutingKey: env.RoutingKey(), Body: body}
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, domain.DeliveredEvent) error {
	return errors.New("clickhouse down")
}

func TestProjectionConsumer_RecordsEnvelope(t *testing.T) {
	repo := memory.NewEventLogRepo()
	received := occurred.Add(time.Second)
	consumer := NewProjectionConsumer(application.NewAnalyticsService(repo, zap.NewNop()), zap.NewNop()).
		WithClock(fixedClock{t: received})

	env := envelope(t, "evt-1", "order", "created", sharedEvents.OrderCreated{CustomerID: "c1", Total: 1500})
	require.NoError(t, consumer.HandleMessage(context.Background(), message(t, env)))

	counts, err := repo.CountByEventType(context.Background(), domain.CountFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []domain.EventCount{{RoutingKey: "order.created", Count: 1, Amount: 1500}}, counts)
}

func TestProjectionConsumer_InvalidEnvelope(t *testing.T) {
	repo := memory.NewEventLogRepo()
	consumer := NewProjectionConsumer(application.NewAnalyticsService(repo, zap.NewNop()), zap.NewNop())

	err := consumer.HandleMessage(context.Background(), sharedBus.Message{ID: "x", Body: []byte(`{"payload":{}}`)})
	assert.Error(t, err)

	counts, err := repo.CountByEventType(context.Background(), domain.CountFilter{})
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestProjectionConsumer_RecorderErrorIsReturned(t *testing.T) {
	consumer := NewProjectionConsumer(failingRecorder{}, zap.NewNop())

	env := envelope(t, "evt-1", "inventory", "stock.changed", map[string]int{"delta": -1})
	assert.EqualError(t, consumer.HandleMessage(context.Background(), message(t, env)), "clickhouse down")
}

// Con el bus en memoria: duplicados descartados por la marca de idempotencia
// y los fallos del handler acaban en dead-letter.
func TestProjectionConsumer_OverInMemoryBus(t *testing.T) {
	repo := memory.NewEventLogRepo()
	consumer := NewProjectionConsumer(application.NewAnalyticsService(repo, zap.NewNop()), zap.NewNop())

	cache := sharedCache.NewInMemoryCache(time.Minute, time.Minute)
	defer cache.Stop()

	bus := sharedInfraEvents.NewInMemoryEventBus(8, zap.NewNop())
	handler := sharedInfraEvents.Idempotent(cache, domain.DedupeScope, time.Hour, consumer, zap.NewNop())
	require.NoError(t, bus.Subscribe(context.Background(), domain.DefaultQueue, []string{domain.AllEvents}, handler))

	ctx := context.Background()
	created := envelope(t, "evt-1", "order", "created", sharedEvents.OrderCreated{Total: 700})
	stock := envelope(t, "evt-2", "inventory", "stock.changed", sharedEvents.StockChanged{ProductID: "sku-1", Delta: -1})
	require.NoError(t, bus.Publish(ctx, created.RoutingKey(), created))
	require.NoError(t, bus.Publish(ctx, created.RoutingKey(), created))
	require.NoError(t, bus.Publish(ctx, stock.RoutingKey(), stock))

	// Un envelope sin eventType no se puede proyectar.
	broken := envelope(t, "evt-3", "order", "", map[string]int{})
	require.NoError(t, bus.Publish(ctx, "order.", broken))

	require.NoError(t, bus.Close())

	counts, err := repo.CountByEventType(ctx, domain.CountFilter{})
	require.NoError(t, err)
	assert.Equal(t, []domain.EventCount{
		{RoutingKey: "inventory.stock.changed", Count: 1},
		{RoutingKey: "order.created", Count: 1, Amount: 700},
	}, counts)

	dead := bus.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "evt-3", dead[0].Message.ID)
	assert.Equal(t, domain.DefaultQueue, dead[0].Queue)
}
