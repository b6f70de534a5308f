package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"testing"
	"time"

	"github.com/storeroute/storeroute/pkg/errors"
)

var (
	errTransient = errors.NewError(errors.ErrCodeProviderUnavailable, "503")
	errRejected  = errors.NewError(errors.ErrCodeProviderRejected, "400")
)

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func ok(context.Context) error { return nil }

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(config Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewBreaker("s3.us-east-1", config)
	cb.now = clock.Now
	cb.expiry = clock.Now().Add(cb.config.Interval)
	return cb, clock
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"Closed state", StateClosed, "CLOSED"},
		{"Open state", StateOpen, "OPEN"},
		{"Half-open state", StateHalfOpen, "HALF_OPEN"},
		{"Unknown state", State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.String(); result != tt.want {
				t.Errorf("State.String() = %q, want %q", result, tt.want)
			}
		})
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewBreaker("bridge", Config{})

	if cb.Name() != "bridge" {
		t.Errorf("name = %q, want %q", cb.Name(), "bridge")
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.State(), StateClosed)
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", cb.config.FailureThreshold)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", cb.config.Timeout)
	}
}

func TestBreaker_RejectedErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(Config{FailureThreshold: 2})

	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), fail(errRejected)); !stderr.Is(err, errRejected) {
			t.Fatalf("expected rejected error through, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.State())
	}
}

func TestBreaker_StateTransitions(t *testing.T) {
	t.Parallel()

	var transitions []State
	cb, clock := newTestBreaker(Config{
		FailureThreshold: 3,
		Timeout:          10 * time.Second,
		OnStateChange: func(_ string, _ State, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errTransient))
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.State())
	}

	err := cb.Execute(ctx, ok)
	if errors.CodeOf(err) != errors.ErrCodeProviderUnavailable || !errors.IsRetryable(err) {
		t.Fatalf("open breaker should fail fast with a retryable error, got %v", err)
	}

	clock.Advance(11 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", cb.State())
	}

	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("probe request failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", cb.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errTransient))
	clock.Advance(2 * time.Second)

	_ = cb.Execute(ctx, fail(context.DeadlineExceeded))
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", cb.State())
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second, MaxRequests: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errTransient))
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, ok); err == nil {
		t.Error("second half-open request should be rejected")
	}
	close(release)
}

func TestBreaker_IntervalClearsCounts(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(Config{FailureThreshold: 3, Interval: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errTransient))
	_ = cb.Execute(ctx, fail(errTransient))
	clock.Advance(2 * time.Minute)

	if c := cb.Counts(); c.ConsecutiveFailures != 0 {
		t.Errorf("counts not cleared: %+v", c)
	}
	_ = cb.Execute(ctx, fail(errTransient))
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.State())
	}
}

func TestManager_BreakerPerEndpoint(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{FailureThreshold: 1})
	ctx := context.Background()

	if m.Breaker("a") != m.Breaker("a") {
		t.Error("same endpoint should share a breaker")
	}

	_ = m.Execute(ctx, "a", fail(errTransient))
	if err := m.Execute(ctx, "b", ok); err != nil {
		t.Errorf("endpoint b should be unaffected: %v", err)
	}
	if err := m.HealthCheck(); err == nil {
		t.Error("HealthCheck should report open breaker")
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Execute(context.Background(), "shared", ok)
		}()
	}
	wg.Wait()

	if got := m.Breaker("shared").Counts().TotalSuccesses; got != 50 {
		t.Errorf("TotalSuccesses = %d, want 50", got)
	}
}
