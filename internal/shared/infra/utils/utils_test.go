package utils

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTernary(t *testing.T) {
	assert.Equal(t, "DESC", Ternary(true, "DESC", "ASC"))
	assert.Equal(t, 2, Ternary(false, 1, 2))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("down")
	})

	assert.EqualError(t, err, "down")
	assert.Equal(t, 2, calls)
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 5, time.Hour, func() error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnmarshalAndHandle(t *testing.T) {
	type payload struct {
		Total int64 `json:"total"`
	}

	var got int64
	ok := UnmarshalAndHandle(zap.NewNop(), json.RawMessage(`{"total":42}`), func(p payload) { got = p.Total })
	assert.True(t, ok)
	assert.Equal(t, int64(42), got)

	called := false
	ok = UnmarshalAndHandle(zap.NewNop(), json.RawMessage(`[1,2]`), func(payload) { called = true })
	assert.False(t, ok)
	assert.False(t, called)
}
