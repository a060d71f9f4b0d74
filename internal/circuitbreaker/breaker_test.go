package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errors.New("boom") })
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(ctx, func() error { return errors.New("still broken") })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errors.New("boom") })
	_ = b.Execute(ctx, func() error { return errors.New("boom") })
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	_ = b.Execute(ctx, func() error { return errors.New("boom") })
	_ = b.Execute(ctx, func() error { return errors.New("boom") })

	assert.Equal(t, StateClosed, b.State())
}
