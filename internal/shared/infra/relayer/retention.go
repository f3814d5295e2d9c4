package relayer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
)

const (
	DefaultRetentionWindow = 7 * 24 * time.Hour
	DefaultRetentionBatch  = 500
)

// RetentionSweeper borra los eventos COMPLETED más antiguos que la ventana de retención.
// Los FAILED nunca se tocan. Si hay archiver, cada lote se archiva antes de borrarse.
type RetentionSweeper struct {
	repo     sharedDomain.RetentionRepository
	archiver sharedDomain.OutboxArchiver
	window   time.Duration
	batch    int
	clock    sharedDomain.Clock
	log      *zap.Logger
}

func NewRetentionSweeper(repo sharedDomain.RetentionRepository, archiver sharedDomain.OutboxArchiver, window time.Duration, batch int, log *zap.Logger) *RetentionSweeper {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	if batch <= 0 {
		batch = DefaultRetentionBatch
	}
	return &RetentionSweeper{
		repo:     repo,
		archiver: archiver,
		window:   window,
		batch:    batch,
		clock:    sharedDomain.SystemClock{},
		log:      log.With(zap.String("component", "outbox_retention")),
	}
}

func (s *RetentionSweeper) WithClock(clock sharedDomain.Clock) *RetentionSweeper {
	s.clock = clock
	return s
}

func (s *RetentionSweeper) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep devuelve cuántas filas borró. Una segunda ejecución sin nuevas filas COMPLETED borra 0.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "outbox.retention")
	defer span.End()

	cutoff := s.clock.Now().Add(-s.window)
	var total int64

	for {
		events, err := s.repo.FetchCompletedBefore(ctx, cutoff, s.batch)
		if err != nil {
			return total, fmt.Errorf("fetch completed outbox: %w", err)
		}
		if len(events) == 0 {
			break
		}

		if s.archiver != nil {
			if err := s.archiver.Archive(ctx, events); err != nil {
				return total, fmt.Errorf("archive outbox batch: %w", err)
			}
		}

		ids := make([]uuid.UUID, len(events))
		for i, evt := range events {
			ids[i] = evt.ID
		}
		deleted, err := s.repo.DeleteCompletedOutbox(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("delete completed outbox: %w", err)
		}
		total += deleted

		if len(events) < s.batch || deleted == 0 {
			break
		}
	}

	if total > 0 {
		s.log.Info("🧹 Limpieza de outbox completada",
			zap.Int64("deleted", total),
			zap.Time("cutoff", cutoff),
		)
	} else {
		s.log.Debug("Limpieza de outbox sin filas que borrar", zap.Time("cutoff", cutoff))
	}
	return total, nil
}
