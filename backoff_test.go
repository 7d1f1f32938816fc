package conduit

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBackoffDelayGrowthBound(t *testing.T) {
	settings := &BackoffSettings{
		MaxAttempts:  10,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
	}
	backoff := NewBackoff(context.Background(), func() {}, nil, settings)

	assert.Equal(t, backoff.delay(0), 10*time.Millisecond)
	assert.Equal(t, backoff.delay(1), 20*time.Millisecond)
	assert.Equal(t, backoff.delay(2), 40*time.Millisecond)
	assert.Equal(t, backoff.delay(3), 80*time.Millisecond)
	// never exceeds the max
	assert.Equal(t, backoff.delay(4), 100*time.Millisecond)
	assert.Equal(t, backoff.delay(10), 100*time.Millisecond)
}

func TestBackoffConstantDelay(t *testing.T) {
	settings := &BackoffSettings{
		MaxAttempts:   10,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		ConstantDelay: 30 * time.Millisecond,
	}
	backoff := NewBackoff(context.Background(), func() {}, nil, settings)

	assert.Equal(t, backoff.delay(0), 30*time.Millisecond)
	assert.Equal(t, backoff.delay(5), 30*time.Millisecond)

	// the constant delay is still capped by the max
	settings.ConstantDelay = 500 * time.Millisecond
	assert.Equal(t, backoff.delay(1), 100*time.Millisecond)
}

func TestBackoffExhaustion(t *testing.T) {
	retries := make(chan struct{}, 16)
	fatals := make(chan struct{}, 16)
	settings := &BackoffSettings{
		MaxAttempts:  2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
	}
	backoff := NewBackoff(
		context.Background(),
		func() {
			retries <- struct{}{}
		},
		func() {
			fatals <- struct{}{}
		},
		settings,
	)

	// exactly two retries fire, then the third trigger is fatal
	backoff.Trigger(false)
	select {
	case <-retries:
	case <-time.After(1 * time.Second):
		t.Fatal("first retry did not fire")
	}

	backoff.Trigger(false)
	select {
	case <-retries:
	case <-time.After(1 * time.Second):
		t.Fatal("second retry did not fire")
	}

	backoff.Trigger(false)
	select {
	case <-fatals:
	case <-time.After(1 * time.Second):
		t.Fatal("fatal did not fire")
	}

	// exhausted. further triggers schedule nothing until a reset
	backoff.Trigger(false)
	select {
	case <-retries:
		t.Fatal("retry after exhaustion")
	case <-fatals:
		t.Fatal("second fatal after exhaustion")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestBackoffReset(t *testing.T) {
	retries := make(chan struct{}, 16)
	fatals := make(chan struct{}, 16)
	settings := &BackoffSettings{
		MaxAttempts:  2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	}
	backoff := NewBackoff(
		context.Background(),
		func() {
			retries <- struct{}{}
		},
		func() {
			fatals <- struct{}{}
		},
		settings,
	)

	backoff.Trigger(false)
	select {
	case <-retries:
	case <-time.After(1 * time.Second):
		t.Fatal("retry did not fire")
	}
	assert.Equal(t, backoff.AttemptCount(), 1)

	// a reset truly zeroes the counter, it does not merely pause it
	backoff.Trigger(true)
	assert.Equal(t, backoff.AttemptCount(), 0)

	// the next failure sequence again takes the full attempt budget
	for i := 0; i < 2; i += 1 {
		backoff.Trigger(false)
		select {
		case <-retries:
		case <-time.After(1 * time.Second):
			t.Fatal("retry did not fire after reset")
		}
	}
	backoff.Trigger(false)
	select {
	case <-fatals:
	case <-time.After(1 * time.Second):
		t.Fatal("fatal did not fire after reset")
	}
}

func TestBackoffZeroMaxAttempts(t *testing.T) {
	retries := make(chan struct{}, 16)
	fatals := make(chan struct{}, 16)
	settings := &BackoffSettings{
		MaxAttempts:  0,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	}
	backoff := NewBackoff(
		context.Background(),
		func() {
			retries <- struct{}{}
		},
		func() {
			fatals <- struct{}{}
		},
		settings,
	)

	// the very first failure is immediately fatal
	backoff.Trigger(false)
	select {
	case <-fatals:
	case <-time.After(1 * time.Second):
		t.Fatal("fatal did not fire")
	}
	select {
	case <-retries:
		t.Fatal("retry fired with a zero attempt budget")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBackoffStop(t *testing.T) {
	retries := make(chan struct{}, 16)
	settings := &BackoffSettings{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
	}
	backoff := NewBackoff(
		context.Background(),
		func() {
			retries <- struct{}{}
		},
		nil,
		settings,
	)

	backoff.Trigger(false)
	backoff.Stop()
	select {
	case <-retries:
		t.Fatal("retry fired after stop")
	case <-time.After(500 * time.Millisecond):
	}
}
