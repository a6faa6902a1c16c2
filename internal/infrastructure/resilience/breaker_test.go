package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(settings Settings) (*Breaker, *clock) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	settings.now = clk.Now
	return New("example.com", settings), clk
}

func fail() (string, error) { return "", errUpstream }
func succeed() (string, error) { return "ok", nil }

func TestBreakerStateTransitions(t *testing.T) {
	tripAfterTwo := func(c Counts) bool { return c.ConsecutiveFailures >= 2 }

	tests := []struct {
		name     string
		settings Settings
		calls    []func() (string, error)
		wait     time.Duration
		want     State
	}{
		{
			name:  "stays closed on successes",
			calls: []func() (string, error){succeed, succeed, succeed},
			want:  StateClosed,
		},
		{
			name:     "opens after consecutive failures",
			settings: Settings{Trip: tripAfterTwo},
			calls:    []func() (string, error){fail, fail},
			want:     StateOpen,
		},
		{
			name:     "success resets the failure streak",
			settings: Settings{Trip: tripAfterTwo},
			calls:    []func() (string, error){fail, succeed, fail},
			want:     StateClosed,
		},
		{
			name:     "half-open after cooldown",
			settings: Settings{Trip: tripAfterTwo, Cooldown: time.Second},
			calls:    []func() (string, error){fail, fail},
			wait:     2 * time.Second,
			want:     StateHalfOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(tt.settings)
			for _, call := range tt.calls {
				_, _ = Do(b, call, nil)
			}
			clk.Advance(tt.wait)
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(Settings{Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})

	_, err := Do(b, fail, nil)
	require.ErrorIs(t, err, errUpstream)

	called := false
	_, err = Do(b, func() (string, error) {
		called = true
		return "ok", nil
	}, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenProbes(t *testing.T) {
	b, clk := newTestBreaker(Settings{
		Probes:   2,
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	_, _ = Do(b, fail, nil)
	clk.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := Do(b, succeed, nil)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = Do(b, succeed, nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenLimitsConcurrentProbes(t *testing.T) {
	b, clk := newTestBreaker(Settings{
		Probes:   1,
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	_, _ = Do(b, fail, nil)
	clk.Advance(2 * time.Second)

	done, err := b.Allow()
	require.NoError(t, err)

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	done(false)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresStaleOutcomes(t *testing.T) {
	b, clk := newTestBreaker(Settings{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	stale, err := b.Allow()
	require.NoError(t, err)

	_, _ = Do(b, fail, nil)
	clk.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	stale(false)
	stale(false)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerFailurePredicate(t *testing.T) {
	errNotFound := errors.New("404")
	b, _ := newTestBreaker(Settings{Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})

	isFailure := func(err error) bool { return !errors.Is(err, errNotFound) }
	_, err := Do(b, func() (string, error) { return "", errNotFound }, isFailure)
	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().Successes)
}

func TestBreakerWindowClearsCounts(t *testing.T) {
	b, clk := newTestBreaker(Settings{Window: time.Minute})

	_, _ = Do(b, fail, nil)
	assert.Equal(t, uint32(1), b.Counts().Failures)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}

func TestBreakerCallbacks(t *testing.T) {
	var transitions []string
	b, clk := newTestBreaker(Settings{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_, _ = Do(b, fail, nil)
	clk.Advance(2 * time.Second)
	_, _ = Do(b, succeed, nil)

	assert.Equal(t, []string{
		"example.com:closed->open",
		"example.com:open->half-open",
		"example.com:half-open->closed",
	}, transitions)
}

func TestSetKeysBreakers(t *testing.T) {
	s := NewSet(Settings{Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})

	_, _ = Do(s.Get("down.example"), fail, nil)
	_, err := Do(s.Get("up.example"), succeed, nil)
	require.NoError(t, err)

	assert.Same(t, s.Get("down.example"), s.Get("down.example"))
	assert.Equal(t, map[string]State{
		"down.example": StateOpen,
		"up.example":   StateClosed,
	}, s.States())
}
