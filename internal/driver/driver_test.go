package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dokzlo13/cometd/internal/compositor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedFixtures returns connected counts from a script, then the last value forever.
type scriptedFixtures struct {
	script []int
	calls  atomic.Int32
}

func (f *scriptedFixtures) Discover(_ context.Context) int {
	n := int(f.calls.Add(1)) - 1
	if n >= len(f.script) {
		n = len(f.script) - 1
	}
	return f.script[n]
}

type countingEngine struct {
	ticks atomic.Int32
}

func (e *countingEngine) Tick(_ context.Context, _ time.Time) compositor.Result {
	e.ticks.Add(1)
	return compositor.Result{}
}

func fastConfig() Config {
	return Config{
		TickInterval:      time.Millisecond,
		DiscoveryInterval: 2 * time.Millisecond,
		MinBackoff:        time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		Multiplier:        2,
	}
}

func TestWaitForFixtures(t *testing.T) {
	tests := []struct {
		name        string
		script      []int
		maxAttempts int
		wantErr     error
		wantCalls   int32
	}{
		{"immediate success", []int{2}, 3, nil, 1},
		{"later success", []int{0, 0, 1}, 5, nil, 3},
		{"exhausted", []int{0}, 3, ErrExhaustedFixtures, 3},
		{"success on last attempt", []int{0, 0, 1}, 3, nil, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			cfg.MaxAttempts = tt.maxAttempts
			fixtures := &scriptedFixtures{script: tt.script}
			d := New(fixtures, &countingEngine{}, cfg)

			err := d.WaitForFixtures(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitForFixtures() error = %v, want %v", err, tt.wantErr)
			}
			if got := fixtures.calls.Load(); got != tt.wantCalls {
				t.Errorf("Discover called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestWaitForFixturesCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.MinBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	d := New(&scriptedFixtures{script: []int{0}}, &countingEngine{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.WaitForFixtures(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WaitForFixtures() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForFixtures() did not return after cancel")
	}
}

func TestRunDrivesBothLoops(t *testing.T) {
	fixtures := &scriptedFixtures{script: []int{1}}
	engine := &countingEngine{}
	d := New(fixtures, engine, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for engine.ticks.Load() < 5 || fixtures.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("loops did not run: ticks=%d discoveries=%d", engine.ticks.Load(), fixtures.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	d := New(&scriptedFixtures{script: []int{1}}, &countingEngine{}, Config{})
	def := DefaultConfig()
	if d.cfg.TickInterval != def.TickInterval || d.cfg.DiscoveryInterval != def.DiscoveryInterval {
		t.Errorf("intervals = %v/%v, want defaults", d.cfg.TickInterval, d.cfg.DiscoveryInterval)
	}
	if d.cfg.Multiplier != def.Multiplier {
		t.Errorf("Multiplier = %v, want %v", d.cfg.Multiplier, def.Multiplier)
	}
}
