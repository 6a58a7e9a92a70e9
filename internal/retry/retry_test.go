package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, Step: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	value, err := Do(context.Background(), fastPolicy(), "get blob", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterAttempts(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(), "put blob", func(context.Context) error {
		calls++
		return errors.New("503 slow down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, domain.IsTransient(err))
	assert.Contains(t, err.Error(), "put blob")
}

func TestDoDoesNotRetryValidation(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(), "decode tile", func(context.Context) error {
		calls++
		return domain.Invalidf("not an image")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, domain.IsValidation(err))
	assert.False(t, domain.IsTransient(err))
}

func TestLinearBackOff(t *testing.T) {
	l := &Linear{Step: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, l.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, l.NextBackOff())
	assert.Equal(t, 250*time.Millisecond, l.NextBackOff())
	l.Reset()
	assert.Equal(t, 100*time.Millisecond, l.NextBackOff())
}
