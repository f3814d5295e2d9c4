package relayer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/hexaretail/tests/mocks"
)

func completedEvents(n int) []sharedDomain.OutboxEvent {
	out := make([]sharedDomain.OutboxEvent, n)
	for i := range out {
		out[i] = sharedDomain.OutboxEvent{ID: uuid.New(), Status: sharedDomain.OutboxCompleted}
	}
	return out
}

func TestRetentionSweeper_ArchivesBeforeDeletingInBatches(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockRetentionRepository)
	archiver := new(mocks.MockArchiver)
	cutoff := testNow.Add(-7 * 24 * time.Hour)

	firstBatch := completedEvents(2)
	secondBatch := completedEvents(1)

	repo.On("FetchCompletedBefore", mock.Anything, cutoff, 2).Return(firstBatch, nil).Once()
	repo.On("FetchCompletedBefore", mock.Anything, cutoff, 2).Return(secondBatch, nil).Once()
	archiver.On("Archive", mock.Anything, firstBatch).Return(nil).Once()
	archiver.On("Archive", mock.Anything, secondBatch).Return(nil).Once()
	repo.On("DeleteCompletedOutbox", mock.Anything, []uuid.UUID{firstBatch[0].ID, firstBatch[1].ID}).Return(int64(2), nil).Once()
	repo.On("DeleteCompletedOutbox", mock.Anything, []uuid.UUID{secondBatch[0].ID}).Return(int64(1), nil).Once()

	sweeper := NewRetentionSweeper(repo, archiver, 7*24*time.Hour, 2, zap.NewNop()).WithClock(fixedClock{now: testNow})

	// ACT
	deleted, err := sweeper.Sweep(context.Background())

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	repo.AssertExpectations(t)
	archiver.AssertExpectations(t)
}

func TestRetentionSweeper_ArchiveFailureKeepsRows(t *testing.T) {
	repo := new(mocks.MockRetentionRepository)
	archiver := new(mocks.MockArchiver)
	batch := completedEvents(1)

	repo.On("FetchCompletedBefore", mock.Anything, mock.Anything, 500).Return(batch, nil).Once()
	archiver.On("Archive", mock.Anything, batch).Return(errors.New("mongo down")).Once()

	sweeper := NewRetentionSweeper(repo, archiver, 0, 0, zap.NewNop()).WithClock(fixedClock{now: testNow})
	deleted, err := sweeper.Sweep(context.Background())

	assert.Error(t, err)
	assert.Equal(t, int64(0), deleted)
	repo.AssertNotCalled(t, "DeleteCompletedOutbox", mock.Anything, mock.Anything)
}

func TestScheduler_RunsJobsUntilCancelled(t *testing.T) {
	var fast, failing, panicking atomic.Int32
	s := NewScheduler(zap.NewNop())
	s.Every("fast", 5*time.Millisecond, func(context.Context) error {
		fast.Add(1)
		return nil
	})
	s.Every("failing", 5*time.Millisecond, func(context.Context) error {
		failing.Add(1)
		return errors.New("sweep failed")
	})
	s.Every("panicking", 5*time.Millisecond, func(context.Context) error {
		panicking.Add(1)
		panic("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	require.Eventually(t, func() bool {
		return fast.Load() >= 2 && failing.Load() >= 2 && panicking.Load() >= 2
	}, time.Second, time.Millisecond)

	cancel()
	s.Wait()

	stopped := fast.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, fast.Load())
}
