package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.ConsecutiveFails = 3
	cfg.Timeout = time.Hour
	cb := New[struct{}](cfg, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (struct{}, error) { return struct{}{}, boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	_, err := cb.Execute(func() (struct{}, error) {
		called = true
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.ConsecutiveFails = 2
	cb := New[int](cfg, nil)

	_, _ = cb.Execute(func() (int, error) { return 0, errors.New("x") })
	v, err := cb.Execute(func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, _ = cb.Execute(func() (int, error) { return 0, errors.New("x") })

	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
