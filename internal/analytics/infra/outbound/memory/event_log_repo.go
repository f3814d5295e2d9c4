package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/davicafu/hexaretail/internal/analytics/domain"
)

// EventLogRepo es la proyección en memoria. Se usa cuando no hay ClickHouse configurado.
type EventLogRepo struct {
	mu     sync.RWMutex
	events map[string]domain.DeliveredEvent
}

var _ domain.EventLogRepository = (*EventLogRepo)(nil)

func NewEventLogRepo() *EventLogRepo {
	return &EventLogRepo{events: make(map[string]domain.DeliveredEvent)}
}

// LogBatch guarda cada evento una sola vez por EventID.
func (r *EventLogRepo) LogBatch(_ context.Context, events []domain.DeliveredEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range events {
		if _, ok := r.events[evt.EventID]; ok {
			continue
		}
		r.events[evt.EventID] = evt
	}
	return nil
}

func (r *EventLogRepo) CountByEventType(_ context.Context, filter domain.CountFilter) ([]domain.EventCount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byKey := make(map[string]*domain.EventCount)
	for _, evt := range r.events {
		if filter.TenantID != "" && evt.TenantID != filter.TenantID {
			continue
		}
		if !filter.From.IsZero() && evt.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && evt.OccurredAt.After(filter.To) {
			continue
		}
		c, ok := byKey[evt.RoutingKey]
		if !ok {
			c = &domain.EventCount{RoutingKey: evt.RoutingKey}
			byKey[evt.RoutingKey] = c
		}
		c.Count++
		c.Amount += evt.Amount
	}

	counts := make([]domain.EventCount, 0, len(byKey))
	for _, c := range byKey {
		counts = append(counts, *c)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].RoutingKey < counts[j].RoutingKey })
	return counts, nil
}
