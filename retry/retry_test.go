package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrier_pollUntilDone(t *testing.T) {
	r := Retrier{Initial: time.Millisecond, Budget: 100 * time.Millisecond}
	attempts := 0
	err := r.Poll(context.Background(), func(ctx context.Context) (bool, error) {
		attempts++
		return attempts == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_exhaustsAfterExactRounds(t *testing.T) {
	// Waits of 1, 2, 4, and 8ms fit a 15ms budget exactly, so the attempt
	// function runs five times: once immediately and once after each wait.
	r := Retrier{Initial: time.Millisecond, Budget: 15 * time.Millisecond}
	attempts := 0
	err := r.Poll(context.Background(), func(ctx context.Context) (bool, error) {
		attempts++
		return false, nil
	})
	require.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 5, attempts)
}

func TestRetrier_stopsOnError(t *testing.T) {
	r := Retrier{Initial: time.Millisecond, Budget: time.Second}
	wantErr := errors.New("boom")
	attempts := 0
	err := r.Poll(context.Background(), func(ctx context.Context) (bool, error) {
		attempts++
		return false, wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_stopsOnCancel(t *testing.T) {
	r := Retrier{Initial: time.Minute, Budget: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Poll(ctx, func(ctx context.Context) (bool, error) {
			return false, nil
		})
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poll did not stop on cancellation")
	}
}
