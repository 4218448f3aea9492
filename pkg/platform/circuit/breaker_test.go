package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// step is one observation of a ledger node behind the breaker.
type step struct {
	event string // "fail", "ok", "wait" or "allow"
	want  State
	// allowed is checked for "allow" steps.
	allowed bool
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func run(t *testing.T, b *Breaker, clock *fakeClock, steps []step) {
	t.Helper()
	for i, st := range steps {
		switch st.event {
		case "fail":
			b.RecordFailure()
		case "ok":
			b.RecordSuccess()
		case "wait":
			clock.now = clock.now.Add(time.Minute)
		case "allow":
			assert.Equal(t, st.allowed, b.Allow(), "step %d allow", i)
		default:
			require.FailNow(t, "unknown event", st.event)
		}
		assert.Equal(t, st.want, b.State(), "step %d after %s", i, st.event)
	}
}

func TestBreakerFollowsLedgerNodeHealth(t *testing.T) {
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "outage opens after three consecutive failures",
			steps: []step{
				{event: "fail", want: StateClosed},
				{event: "fail", want: StateClosed},
				{event: "fail", want: StateOpen},
				{event: "allow", want: StateOpen, allowed: false},
			},
		},
		{
			name: "a flapping node that answers between errors stays closed",
			steps: []step{
				{event: "fail", want: StateClosed},
				{event: "fail", want: StateClosed},
				{event: "ok", want: StateClosed},
				{event: "fail", want: StateClosed},
				{event: "fail", want: StateClosed},
				{event: "allow", want: StateClosed, allowed: true},
			},
		},
		{
			name: "recovery needs two answers in a row after the cooldown",
			steps: []step{
				{event: "fail", want: StateClosed},
				{event: "fail", want: StateClosed},
				{event: "fail", want: StateOpen},
				{event: "wait", want: StateOpen},
				{event: "allow", want: StateOpen, allowed: true},
				{event: "ok", want: StateOpen},
				{event: "allow", want: StateOpen, allowed: false},
				{event: "wait", want: StateOpen},
				{event: "allow", want: StateOpen, allowed: true},
				{event: "ok", want: StateClosed},
				{event: "allow", want: StateClosed, allowed: true},
			},
		},
		{
			name: "a failed trial call restarts the recovery count",
			steps: []step{
				{event: "fail", want: StateClosed},
				{event: "fail", want: StateClosed},
				{event: "fail", want: StateOpen},
				{event: "wait", want: StateOpen},
				{event: "ok", want: StateOpen},
				{event: "fail", want: StateOpen},
				{event: "ok", want: StateOpen},
				{event: "ok", want: StateClosed},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
			b := New("xrpl",
				WithFailureThreshold(3),
				WithSuccessThreshold(2),
				WithCooldown(time.Minute),
				WithClock(clock.Now),
			)
			run(t, b, clock, tt.steps)
		})
	}
}

func TestBreakerReportsTransitionsOnce(t *testing.T) {
	b := New("xrpl", WithFailureThreshold(2), WithSuccessThreshold(1))

	var opened, closed int
	for range 5 {
		_, change := b.RecordFailure()
		if change.Opened {
			opened++
		}
	}
	fallback, _ := b.RecordFailure()
	assert.True(t, fallback, "calls made while open are served by the fallback")

	primary, change := b.RecordSuccess()
	if change.Closed {
		closed++
	}
	assert.True(t, primary)
	assert.Equal(t, 1, opened, "an outage raises one open transition")
	assert.Equal(t, 1, closed)
}

func TestBreakerDefaultsAndReset(t *testing.T) {
	b := New("xrpl", WithFailureThreshold(0), WithCooldown(-time.Second))
	assert.Equal(t, "xrpl", b.Name())

	for range defaultFailureThreshold - 1 {
		b.RecordFailure()
	}
	assert.False(t, b.IsOpen(), "non-positive options keep the defaults")
	b.RecordFailure()
	require.True(t, b.IsOpen())
	assert.False(t, b.Allow(), "default cooldown applies")

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}
