package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedTransport struct {
	results []error
	calls   int
	rc      *Reconnector
}

func (s *scriptedTransport) Run(ctx context.Context) error {
	if s.calls >= len(s.results) {
		return nil
	}
	err := s.results[s.calls]
	s.calls++
	if err == nil && s.rc != nil {
		s.rc.MarkConnected()
	}
	return err
}

func noSleep(rc *Reconnector) []time.Duration {
	var slept []time.Duration
	rc.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return slept
}

func TestReconnectorGivesUpAfterBudget(t *testing.T) {
	drop := errors.New("transport lost")
	tr := &scriptedTransport{results: []error{drop, drop, drop, drop, drop, drop}}
	rc := NewReconnector(tr, 3, time.Second, 30*time.Second)
	rc.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := rc.Run(context.Background())
	if err != ErrRetriesExhausted {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if tr.calls != 3 {
		t.Fatalf("expected 3 connection attempts, got %d", tr.calls)
	}
	if rc.State() != StateGaveUp {
		t.Fatalf("expected GAVE_UP state, got %s", rc.State())
	}
}

func TestReconnectorBackoffDoublesAndCaps(t *testing.T) {
	drop := errors.New("transport lost")
	tr := &scriptedTransport{results: []error{drop, drop, drop, drop, drop}}
	rc := NewReconnector(tr, 5, time.Second, 4*time.Second)

	var slept []time.Duration
	rc.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_ = rc.Run(context.Background())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %d (%v)", len(want), len(slept), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d: got %v want %v", i, slept[i], want[i])
		}
	}
}

func TestReconnectorCleanShutdownStopsRetrying(t *testing.T) {
	tr := &scriptedTransport{results: []error{nil}}
	rc := NewReconnector(tr, 5, time.Second, time.Minute)
	tr.rc = rc
	rc.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if err := rc.Run(context.Background()); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if tr.calls != 1 {
		t.Fatalf("expected single attempt, got %d", tr.calls)
	}
}

func TestReconnectorSuccessfulSessionResetsAttempts(t *testing.T) {
	drop := errors.New("transport lost")
	tr := &scriptedTransport{results: []error{drop, drop, drop, drop, drop}}
	rc := NewReconnector(tr, 3, time.Second, time.Minute)
	rc.sleep = func(ctx context.Context, d time.Duration) error {
		if tr.calls == 2 {
			// An established session resets the budget before attempt 3.
			rc.MarkConnected()
		}
		return nil
	}

	err := rc.Run(context.Background())
	if err != ErrRetriesExhausted {
		t.Fatalf("expected eventual exhaustion, got %v", err)
	}
	// Two failures, a reset, then three more before giving up.
	if tr.calls != 5 {
		t.Fatalf("expected reset to extend attempts to 5 calls, got %d", tr.calls)
	}
}

func TestReconnectorContextCancel(t *testing.T) {
	drop := errors.New("transport lost")
	tr := &scriptedTransport{results: []error{drop, drop, drop}}
	rc := NewReconnector(tr, 5, time.Second, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	rc.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if err := rc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
