package mocks

import (
	"context"
	"time"

	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockOutboxRepository simula el repo que usa el dispatcher
type MockOutboxRepository struct {
	mock.Mock
}

var _ sharedDomain.OutboxRepository = (*MockOutboxRepository)(nil)

func (m *MockOutboxRepository) FetchPendingOutbox(ctx context.Context, limit, maxRetries int) ([]sharedDomain.OutboxEvent, error) {
	args := m.Called(ctx, limit, maxRetries)
	return args.Get(0).([]sharedDomain.OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) ClaimOutbox(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockOutboxRepository) MarkOutboxCompleted(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	args := m.Called(ctx, id, processedAt)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkOutboxFailedAttempt(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (sharedDomain.OutboxStatus, error) {
	args := m.Called(ctx, id, errMsg, maxRetries)
	return args.Get(0).(sharedDomain.OutboxStatus), args.Error(1)
}

func (m *MockOutboxRepository) ReleaseOutbox(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) FailExhaustedPending(ctx context.Context, maxRetries int) (int64, error) {
	args := m.Called(ctx, maxRetries)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOutboxRepository) ResetStuckProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

// MockRetentionRepository simula el acceso a eventos COMPLETED antiguos
type MockRetentionRepository struct {
	mock.Mock
}

var _ sharedDomain.RetentionRepository = (*MockRetentionRepository)(nil)

func (m *MockRetentionRepository) FetchCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]sharedDomain.OutboxEvent, error) {
	args := m.Called(ctx, cutoff, limit)
	return args.Get(0).([]sharedDomain.OutboxEvent), args.Error(1)
}

func (m *MockRetentionRepository) DeleteCompletedOutbox(ctx context.Context, ids []uuid.UUID) (int64, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(int64), args.Error(1)
}

// MockArchiver simula el archivo de eventos
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Archive(ctx context.Context, events []sharedDomain.OutboxEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

// MockEventBus simula un publisher
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, routingKey string, env sharedEvents.Envelope) error {
	args := m.Called(ctx, routingKey, env)
	return args.Error(0)
}
