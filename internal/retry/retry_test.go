package retry

import (
	"errors"
	"testing"
	"time"
)

func TestNextDelaySequence(t *testing.T) {
	p := NewDefault()

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
	}

	for i, w := range want {
		got := p.NextDelay()
		if got != w {
			t.Errorf("iteration %d: NextDelay() = %v, want %v", i, got, w)
		}
		p.RecordFailure()
	}
}

func TestNextDelayCapsAtMax(t *testing.T) {
	p := NewDefault()
	for i := 0; i < 20; i++ {
		p.RecordFailure()
	}
	if got := p.NextDelay(); got != DefaultMax {
		t.Errorf("NextDelay() after many failures = %v, want %v (exact cap, not base*mult^k)", got, DefaultMax)
	}
}

func TestNextDelayZeroFailuresReturnsBase(t *testing.T) {
	p := NewDefault()
	if got := p.NextDelay(); got != DefaultBase {
		t.Errorf("NextDelay() with k=0 = %v, want base %v", got, DefaultBase)
	}
}

func TestRecordSuccessResetsCounter(t *testing.T) {
	p := NewDefault()
	p.RecordFailure()
	p.RecordFailure()
	p.RecordSuccess()
	if got := p.ConsecutiveFailures(); got != 0 {
		t.Errorf("ConsecutiveFailures() after success = %d, want 0", got)
	}
	if got := p.NextDelay(); got != DefaultBase {
		t.Errorf("NextDelay() after reset = %v, want base %v", got, DefaultBase)
	}
}

func TestWithRetrySucceedsOnFirstTry(t *testing.T) {
	p := NewDefault()
	calls := 0
	err := p.WithRetry(func() (bool, error) {
		calls++
		return true, nil
	}, 3)
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryRethrowsAfterMaxAttempts(t *testing.T) {
	p := New(time.Millisecond, time.Millisecond, 2)
	wantErr := errors.New("boom")
	calls := 0
	err := p.WithRetry(func() (bool, error) {
		calls++
		return false, wantErr
	}, 3)
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithRetry error = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
