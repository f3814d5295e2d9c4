package application

import (
	"context"

	"go.uber.org/zap"

	"github.com/davicafu/hexaretail/internal/analytics/domain"
)

// AnalyticsService expone la proyección de eventos entregados.
type AnalyticsService struct {
	repo domain.EventLogRepository
	log  *zap.Logger
}

func NewAnalyticsService(repo domain.EventLogRepository, log *zap.Logger) *AnalyticsService {
	return &AnalyticsService{repo: repo, log: log}
}

// Record guarda un evento entregado en la proyección.
func (s *AnalyticsService) Record(ctx context.Context, evt domain.DeliveredEvent) error {
	if err := s.repo.LogBatch(ctx, []domain.DeliveredEvent{evt}); err != nil {
		s.log.Error("Failed to log delivered event",
			zap.String("event_id", evt.EventID),
			zap.String("routing_key", evt.RoutingKey),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *AnalyticsService) EventCounts(ctx context.Context, filter domain.CountFilter) ([]domain.EventCount, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.repo.CountByEventType(ctx, filter)
}
