package relayer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	sharedDomain "github.com/davicafu/hexaretail/internal/shared/domain"
	sharedEvents "github.com/davicafu/hexaretail/internal/shared/events"
	"github.com/davicafu/hexaretail/internal/shared/infra/platform/db/sqlite"
	sharedBus "github.com/davicafu/hexaretail/internal/shared/infra/platform/bus"
	sharedQuery "github.com/davicafu/hexaretail/internal/shared/infra/platform/query"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// manualClock solo avanza cuando el test lo pide.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedBus devuelve los errores de la lista en orden; agotada la lista, publica bien.
type scriptedBus struct {
	mu        sync.Mutex
	errs      []error
	attempts  int
	published []string
}

func (b *scriptedBus) Publish(_ context.Context, routingKey string, _ sharedEvents.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return err
	}
	b.published = append(b.published, routingKey)
	return nil
}

func repeatErr(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func newSQLiteStore(t *testing.T) (*sqlite.OutboxRepoSQLite, *sql.DB, *manualClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.InitOutboxSchema(db))

	clock := &manualClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	return sqlite.NewOutboxRepoSQLite(db).WithClock(clock), db, clock
}

func recordEvent(t *testing.T, repo *sqlite.OutboxRepoSQLite, db *sql.DB, aggType, evtType string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	aggregateID := uuid.NewString()
	require.NoError(t, repo.RecordEvent(ctx, tx, "tenant-1", aggregateID, aggType, evtType, map[string]int{"qty": 1}))
	require.NoError(t, tx.Commit())

	rows, err := repo.ListOutbox(ctx, sharedDomain.AggregateCriteria{ID: aggregateID}, sharedQuery.OffsetPagination{}, sharedQuery.Sort{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0].ID
}

func getEvent(t *testing.T, repo *sqlite.OutboxRepoSQLite, id uuid.UUID) *sharedDomain.OutboxEvent {
	t.Helper()
	evt, err := repo.GetOutboxByID(context.Background(), id)
	require.NoError(t, err)
	return evt
}

func TestScenario_PublishSucceedsFirstAttempt(t *testing.T) {
	repo, db, clock := newSQLiteStore(t)
	id := recordEvent(t, repo, db, "Order", "created")
	bus := &scriptedBus{}
	d := NewDispatcher(repo, bus, DispatcherConfig{}, zap.NewNop()).WithClock(clock)

	res, err := d.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	evt := getEvent(t, repo, id)
	assert.Equal(t, sharedDomain.OutboxCompleted, evt.Status)
	assert.Equal(t, 0, evt.RetryCount)
	require.NotNil(t, evt.ProcessedAt)
	assert.True(t, evt.ProcessedAt.Equal(clock.Now()))
	assert.Equal(t, []string{"order.created"}, bus.published)
}

func TestScenario_FiveFailuresEndInFailedWithoutSixthAttempt(t *testing.T) {
	repo, db, clock := newSQLiteStore(t)
	id := recordEvent(t, repo, db, "order", "created")
	bus := &scriptedBus{errs: repeatErr(errors.New("channel exception"), 10)}
	d := NewDispatcher(repo, bus, DispatcherConfig{}, zap.NewNop()).WithClock(clock)

	for sweep := 1; sweep <= sharedDomain.MaxRetries; sweep++ {
		_, err := d.ProcessBatch(context.Background())
		require.NoError(t, err)

		evt := getEvent(t, repo, id)
		assert.Equal(t, sweep, evt.RetryCount)
		if sweep < sharedDomain.MaxRetries {
			assert.Equal(t, sharedDomain.OutboxPending, evt.Status)
		}
		clock.Advance(10 * time.Second)
	}

	evt := getEvent(t, repo, id)
	assert.Equal(t, sharedDomain.OutboxFailed, evt.Status)
	assert.Equal(t, sharedDomain.MaxRetries, evt.RetryCount)
	assert.Equal(t, "channel exception", evt.ErrorMessage)

	res, err := d.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, sharedDomain.MaxRetries, bus.attempts)
	assert.Equal(t, sharedDomain.OutboxFailed, getEvent(t, repo, id).Status)
}

func TestScenario_BrokerUnavailableDoesNotConsumeRetries(t *testing.T) {
	repo, db, clock := newSQLiteStore(t)
	id := recordEvent(t, repo, db, "order", "created")
	bus := &scriptedBus{errs: repeatErr(sharedBus.ErrBrokerUnavailable, 3)}
	d := NewDispatcher(repo, bus, DispatcherConfig{}, zap.NewNop()).WithClock(clock)

	for sweep := 0; sweep < 3; sweep++ {
		res, err := d.ProcessBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Released)

		evt := getEvent(t, repo, id)
		assert.Equal(t, sharedDomain.OutboxPending, evt.Status)
		assert.Equal(t, 0, evt.RetryCount)
		clock.Advance(10 * time.Second)
	}

	_, err := d.ProcessBatch(context.Background())
	require.NoError(t, err)

	evt := getEvent(t, repo, id)
	assert.Equal(t, sharedDomain.OutboxCompleted, evt.Status)
	assert.Equal(t, 0, evt.RetryCount)
	assert.Equal(t, 4, bus.attempts)
}

func TestScenario_TerminalRowsAreNeverTouchedAgain(t *testing.T) {
	repo, db, clock := newSQLiteStore(t)
	id := recordEvent(t, repo, db, "order", "created")
	bus := &scriptedBus{}
	d := NewDispatcher(repo, bus, DispatcherConfig{}, zap.NewNop()).WithClock(clock)

	_, err := d.ProcessBatch(context.Background())
	require.NoError(t, err)
	before := getEvent(t, repo, id)

	clock.Advance(time.Hour)
	_, err = d.ProcessBatch(context.Background())
	require.NoError(t, err)

	after := getEvent(t, repo, id)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, 1, bus.attempts)
}

func TestScenario_StuckProcessingIsRecovered(t *testing.T) {
	repo, db, clock := newSQLiteStore(t)
	id := recordEvent(t, repo, db, "order", "created")

	claimed, err := repo.ClaimOutbox(context.Background(), id)
	require.NoError(t, err)
	require.True(t, claimed)

	bus := &scriptedBus{}
	d := NewDispatcher(repo, bus, DispatcherConfig{ProcessingTimeout: time.Minute}, zap.NewNop()).WithClock(clock)

	res, err := d.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)

	clock.Advance(2 * time.Minute)
	res, err = d.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Reset)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, sharedDomain.OutboxCompleted, getEvent(t, repo, id).Status)
}

func TestScenario_RetentionDeletesOnlyOldCompleted(t *testing.T) {
	repo, db, clock := newSQLiteStore(t)
	ctx := context.Background()
	start := clock.Now()

	oldID := recordEvent(t, repo, db, "order", "created")
	recentID := recordEvent(t, repo, db, "order", "cancelled")
	failedID := recordEvent(t, repo, db, "order", "created")

	for _, id := range []uuid.UUID{oldID, recentID, failedID} {
		claimed, err := repo.ClaimOutbox(ctx, id)
		require.NoError(t, err)
		require.True(t, claimed)
	}
	require.NoError(t, repo.MarkOutboxCompleted(ctx, oldID, start))
	require.NoError(t, repo.MarkOutboxCompleted(ctx, recentID, start.Add(2*24*time.Hour)))
	status, err := repo.MarkOutboxFailedAttempt(ctx, failedID, "boom", 1)
	require.NoError(t, err)
	require.Equal(t, sharedDomain.OutboxFailed, status)

	// 8 días después de la primera y 6 después de la segunda.
	clock.Advance(8 * 24 * time.Hour)
	sweeper := NewRetentionSweeper(repo, nil, 7*24*time.Hour, 100, zap.NewNop()).WithClock(clock)

	deleted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.GetOutboxByID(ctx, oldID)
	assert.ErrorIs(t, err, sharedDomain.ErrOutboxNotFound)
	assert.Equal(t, sharedDomain.OutboxCompleted, getEvent(t, repo, recentID).Status)
	assert.Equal(t, sharedDomain.OutboxFailed, getEvent(t, repo, failedID).Status)

	deleted, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}
