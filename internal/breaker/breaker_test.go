package breaker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/technosupport/api-gateway/internal/breaker"
)

func TestBreaker_TripsAfterFailureThreshold(t *testing.T) {
	b := breaker.New("service-a", breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenAttempts: 1}, nil)

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, breaker.Closed, b.State())

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, breaker.Open, b.State())

	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := breaker.New("service-b", breaker.Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenAttempts: 1}, nil)

	b.Allow()
	b.Failure()
	assert.Equal(t, breaker.Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, breaker.HalfOpen, b.State())
}

func TestBreaker_HalfOpenFailureReOpens(t *testing.T) {
	b := breaker.New("service-c", breaker.Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenAttempts: 2}, nil)

	b.Allow()
	b.Failure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	assert.Equal(t, breaker.HalfOpen, b.State())

	b.Failure()
	assert.Equal(t, breaker.Open, b.State())
}

func TestBreaker_HalfOpenRecoversAfterEnoughSuccesses(t *testing.T) {
	b := breaker.New("service-a", breaker.Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenAttempts: 2}, nil)

	b.Allow()
	b.Failure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.Success()
	assert.Equal(t, breaker.HalfOpen, b.State())
	b.Success()
	assert.Equal(t, breaker.Closed, b.State())
}

func TestBreaker_NotifiesOnTransition(t *testing.T) {
	var mu sync.Mutex
	var seen []breaker.State
	done := make(chan struct{}, 4)

	listener := func(upstream string, from, to breaker.State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
		done <- struct{}{}
	}

	b := breaker.New("service-a", breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenAttempts: 1}, listener)
	b.Allow()
	b.Failure()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition notification")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []breaker.State{breaker.Open}, seen)
}

func TestRegistry_GetReturnsRegisteredBreaker(t *testing.T) {
	r := breaker.NewRegistry()
	r.Register("service-a", breaker.DefaultConfig(), nil)

	b := r.Get("service-a")
	assert.NotNil(t, b)
	assert.Equal(t, breaker.Closed, b.State())
}

func TestRegistry_GetUnregisteredPanics(t *testing.T) {
	r := breaker.NewRegistry()
	assert.Panics(t, func() { r.Get("unknown") })
}
