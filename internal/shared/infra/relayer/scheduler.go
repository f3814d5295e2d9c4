package relayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job es una tarea periódica. Un error se registra y no detiene el scheduler.
type Job func(ctx context.Context) error

type scheduledJob struct {
	name     string
	interval time.Duration
	fn       Job
}

// Scheduler lanza una goroutine con su ticker por job. Cada tick de un job termina antes
// del siguiente; jobs distintos pueden ejecutarse a la vez.
type Scheduler struct {
	log  *zap.Logger
	jobs []scheduledJob
	wg   sync.WaitGroup
}

func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Every registra un job. Debe llamarse antes de Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) {
	s.jobs = append(s.jobs, scheduledJob{name: name, interval: interval, fn: fn})
}

// Start inicia todos los jobs. Se detienen al cancelar ctx.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job scheduledJob) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
}

// Wait bloquea hasta que todos los jobs han terminado su tick en curso.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job scheduledJob) {
	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()

	s.log.Info("🚀 Job iniciado", zap.String("job", job.name), zap.Duration("interval", job.interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("🛑 Job detenido.", zap.String("job", job.name))
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job scheduledJob) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return job.fn(ctx)
	}()

	if err != nil {
		s.log.Warn("⚠️ Job terminó con error", zap.String("job", job.name), zap.Error(err))
		return
	}
	s.log.Debug("🔄 Job ejecutado", zap.String("job", job.name), zap.Duration("took", time.Since(start)))
}
