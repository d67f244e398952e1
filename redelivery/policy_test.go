package redelivery

import (
	"errors"
	"testing"
	"time"
)

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   []time.Duration
	}{
		{
			name:   "constant",
			policy: Policy{RedeliveryDelay: 100 * time.Millisecond},
			want:   []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond},
		},
		{
			name: "exponential capped",
			policy: Policy{
				RedeliveryDelay:        100 * time.Millisecond,
				UseExponentialBackOff:  true,
				BackOffMultiplier:      2,
				MaximumRedeliveryDelay: 300 * time.Millisecond,
			},
			want: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond},
		},
		{
			name:   "immediate",
			policy: Policy{RedeliveryDelay: -1},
			want:   []time.Duration{0, 0},
		},
		{
			name:   "pattern",
			policy: Policy{DelayPattern: "0:10;2:50;4:1s"},
			want:   []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond, time.Second, time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.policy.parse()
			if err != nil {
				t.Fatal(err)
			}
			for i, want := range tt.want {
				if got := p.Delay(i + 1); got != want {
					t.Errorf("redelivery %d: got %v want %v", i+1, got, want)
				}
			}
		})
	}
}

func TestPolicy_CollisionAvoidance(t *testing.T) {
	p, _ := Policy{
		RedeliveryDelay:          time.Second,
		UseCollisionAvoidance:    true,
		CollisionAvoidanceFactor: 0.15,
	}.parse()

	minExpected := 850 * time.Millisecond
	maxExpected := 1150 * time.Millisecond
	distinct := map[time.Duration]bool{}
	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		if d < minExpected || d > maxExpected {
			t.Errorf("delay %v outside [%v, %v]", d, minExpected, maxExpected)
		}
		distinct[d] = true
	}
	if len(distinct) < 2 {
		t.Error("collision avoidance did not vary the delay")
	}
}

func TestPolicy_ShouldRedeliver(t *testing.T) {
	tests := []struct {
		max     int
		counter int
		want    bool
	}{
		{max: 0, counter: 1, want: false},
		{max: 2, counter: 2, want: true},
		{max: 2, counter: 3, want: false},
		{max: -1, counter: 1000, want: true},
	}
	for _, tt := range tests {
		p := Policy{MaximumRedeliveries: tt.max}
		if got := p.ShouldRedeliver(tt.counter); got != tt.want {
			t.Errorf("max=%d counter=%d: got %v want %v", tt.max, tt.counter, got, tt.want)
		}
	}
}

func TestPolicy_InvalidPattern(t *testing.T) {
	for _, pattern := range []string{"5", "x:10", "0:abc", "3:10;1:20"} {
		if _, err := (Policy{DelayPattern: pattern}).parse(); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("pattern %q: expected ErrInvalidPolicy, got %v", pattern, err)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaximumRedeliveries != 0 || p.RedeliveryDelay != time.Second || p.BackOffMultiplier != 2 ||
		p.MaximumRedeliveryDelay != time.Minute || p.CollisionAvoidanceFactor != 0.15 {
		t.Errorf("unexpected defaults %+v", p)
	}
	if !p.LogStackTrace || !p.LogExhausted {
		t.Error("expected logging enabled by default")
	}
}
