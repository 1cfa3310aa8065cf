package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("provider down")

func failing(context.Context) (any, error) { return nil, errProvider }

func succeeding(context.Context) (any, error) { return "ok", nil }

func tripAfter(n uint32) func(Counts) bool {
	return func(c Counts) bool { return c.ConsecutiveFailures >= n }
}

func TestStartsClosed(t *testing.T) {
	b := New(ProviderSettings("claude"))
	assert.Equal(t, StateClosed, b.State())

	out, err := b.Do(context.Background(), succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Settings{Name: "claude", OpenFor: time.Minute, TripAfter: tripAfter(3)})

	for i := 0; i < 3; i++ {
		_, err := b.Do(context.Background(), failing)
		require.ErrorIs(t, err, errProvider)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenRejectsWithoutCalling(t *testing.T) {
	b := New(Settings{Name: "claude", OpenFor: time.Minute, TripAfter: tripAfter(1)})
	_, _ = b.Do(context.Background(), failing)

	called := false
	_, err := b.Do(context.Background(), func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestFailureRateTrip(t *testing.T) {
	b := New(ProviderSettings("claude"))

	// 2 good, 3 bad out of 5: 60% failure rate trips.
	_, _ = b.Do(context.Background(), succeeding)
	_, _ = b.Do(context.Background(), succeeding)
	for i := 0; i < 3; i++ {
		_, _ = b.Do(context.Background(), failing)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New(Settings{
		Name:           "claude",
		HalfOpenProbes: 2,
		OpenFor:        10 * time.Millisecond,
		TripAfter:      tripAfter(1),
	})
	_, _ = b.Do(context.Background(), failing)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Do(context.Background(), succeeding)
	require.NoError(t, err)
	_, err = b.Do(context.Background(), succeeding)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Settings{
		Name:           "claude",
		HalfOpenProbes: 2,
		OpenFor:        10 * time.Millisecond,
		TripAfter:      tripAfter(1),
	})
	_, _ = b.Do(context.Background(), failing)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Do(context.Background(), failing)
	require.ErrorIs(t, err, errProvider)
	assert.Equal(t, StateOpen, b.State())
}

func TestCancelledContextDoesNotCountAsFailure(t *testing.T) {
	b := New(Settings{Name: "claude", OpenFor: time.Minute, TripAfter: tripAfter(1)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Do(ctx, failing)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Settings{
		Name:      "claude",
		OpenFor:   time.Minute,
		TripAfter: tripAfter(1),
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_, _ = b.Do(context.Background(), failing)
	require.Equal(t, []string{"closed->open"}, transitions)
}
