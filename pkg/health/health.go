// Package health tracks the health of the components a worker depends on
// (queue transport, databases) and serves it over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/storeroute/storeroute/pkg/errors"
)

// State is the health of one component or of the whole service.
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates recent failures below the unavailable threshold
	StateDegraded

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckFunc probes a component.
type CheckFunc func(ctx context.Context) error

// ComponentHealth is a snapshot of one component.
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

type component struct {
	ComponentHealth
	check CheckFunc
}

// Config configures a Tracker.
type Config struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// CheckInterval is the period of StartHealthChecks
	CheckInterval time.Duration `yaml:"check_interval"`

	// CheckTimeout bounds each probe
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// DefaultConfig returns the tracker settings used when none are given.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
		CheckTimeout:         5 * time.Second,
	}
}

// Tracker tracks component health. A nil *Tracker ignores Register and
// the Record methods.
type Tracker struct {
	mu         sync.RWMutex
	config     Config
	components map[string]*component
	now        func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(config Config) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	return &Tracker{
		config:     config,
		components: make(map[string]*component),
		now:        time.Now,
	}
}

// Register adds a component. check may be nil for components whose health
// is only reported through RecordSuccess and RecordError.
func (t *Tracker) Register(name string, check CheckFunc) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.components[name]; ok {
		c.check = check
		return
	}
	now := t.now()
	t.components[name] = &component{
		ComponentHealth: ComponentHealth{Name: name, State: StateHealthy, LastStateChange: now, LastCheck: now},
		check:           check,
	}
}

// RecordSuccess records a successful operation. Each success takes back one
// consecutive error; the component is healthy again once none remain.
func (t *Tracker) RecordSuccess(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.components[name]
	if !ok {
		return
	}
	c.LastCheck = t.now()
	if c.ConsecutiveErrors > 0 {
		c.ConsecutiveErrors--
	}
	if c.ConsecutiveErrors == 0 && c.State != StateHealthy {
		t.transition(c, StateHealthy)
		c.LastError = ""
	}
}

// RecordError records a failed operation.
func (t *Tracker) RecordError(name string, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.components[name]
	if !ok {
		return
	}
	c.LastCheck = t.now()
	c.ConsecutiveErrors++
	if err != nil {
		c.LastError = err.Error()
	}

	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
		t.transition(c, StateUnavailable)
	case c.ConsecutiveErrors >= t.config.ErrorThreshold:
		t.transition(c, StateDegraded)
	}
}

// must be called with the lock held
func (t *Tracker) transition(c *component, s State) {
	if c.State != s {
		c.State = s
		c.LastStateChange = t.now()
	}
}

// Component returns a snapshot of one component.
func (t *Tracker) Component(name string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.components[name]
	if !ok {
		return ComponentHealth{}, errors.Newf(errors.ErrCodeValidationFailed, "component %s not registered", name).
			WithComponent("health")
	}
	return c.ComponentHealth, nil
}

// Components returns snapshots of every component, ordered by name.
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, c.ComponentHealth)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst component state.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// CheckNow probes every component that has a check.
func (t *Tracker) CheckNow(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]CheckFunc, len(t.components))
	for name, c := range t.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	t.mu.RUnlock()

	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, t.config.CheckTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}

// StartHealthChecks probes components every CheckInterval until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx)
		}
	}
}

type report struct {
	Status     State             `json:"status"`
	Service    string            `json:"service"`
	Components []ComponentHealth `json:"components"`
}

// Handler serves the health report. An unavailable service answers 503.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := report{Status: t.Overall(), Service: "storeroute", Components: t.Components()}
		status := http.StatusOK
		if rep.Status == StateUnavailable {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(rep)
	})
}
