package control

import (
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()

	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}

	if c.RecordFailure("provider_api", now) {
		t.Fatal("first failure should not open the circuit")
	}
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after first failure, got %s", c.State())
	}

	if !c.RecordFailure("provider_api", now) {
		t.Fatal("expected second failure to open the circuit")
	}
	if c.State() != CircuitOpen {
		t.Fatalf("expected open after threshold failures, got %s", c.State())
	}
	if c.OpenedClass() != "provider_api" {
		t.Fatalf("unexpected opened class %q", c.OpenedClass())
	}
	if d := c.RetryAfter(now.Add(40 * time.Millisecond)); d != 60*time.Millisecond {
		t.Fatalf("expected 60ms retry-after, got %s", d)
	}

	if c.Allow(now.Add(10 * time.Millisecond)) {
		t.Fatal("expected deny while cooldown not elapsed")
	}
	if !c.Allow(now.Add(120 * time.Millisecond)) {
		t.Fatal("expected allow after cooldown")
	}
	if c.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", c.State())
	}

	c.RecordSuccess()
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after probe success, got %s", c.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuitBreaker(1, 50*time.Millisecond)
	now := time.Now()

	c.RecordFailure("network", now)
	if !c.Allow(now.Add(60 * time.Millisecond)) {
		t.Fatal("expected probe to be allowed")
	}
	if !c.RecordFailure("network", now.Add(60*time.Millisecond)) {
		t.Fatal("failed probe should reopen the circuit")
	}
	if c.Allow(now.Add(70 * time.Millisecond)) {
		t.Fatal("expected deny after failed probe")
	}
}

func TestCircuitBreaker_ClassesCountSeparately(t *testing.T) {
	c := NewCircuitBreaker(2, time.Second)
	now := time.Now()

	c.RecordFailure("network", now)
	c.RecordFailure("provider_status", now)
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed with one failure per class, got %s", c.State())
	}
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	c := NewCircuitBreaker(1000, time.Second)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Allow(now)
			c.RecordFailure("network", now)
			c.State()
		}()
	}
	wg.Wait()
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %s", c.State())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	c := NewCircuitBreaker(1, 50*time.Millisecond)
	now := time.Now()
	c.RecordFailure("network", now)

	later := now.Add(60 * time.Millisecond)
	if !c.Allow(later) {
		t.Fatal("expected the first caller after cooldown to probe")
	}
	if c.Allow(later) || c.Allow(later.Add(time.Second)) {
		t.Fatal("expected further callers refused while the probe is in flight")
	}

	c.ReleaseProbe()
	if c.State() != CircuitHalfOpen {
		t.Fatalf("release must not change state, got %s", c.State())
	}
	if !c.Allow(later) {
		t.Fatal("expected a new probe after release")
	}
	c.RecordSuccess()
	for i := 0; i < 3; i++ {
		if !c.Allow(later) {
			t.Fatal("expected closed circuit to admit everyone")
		}
	}
}

func TestCircuitBreaker_ConcurrentProbe(t *testing.T) {
	c := NewCircuitBreaker(1, time.Millisecond)
	now := time.Now()
	c.RecordFailure("network", now)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Allow(now.Add(time.Second)) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Fatalf("expected exactly one probe, got %d", admitted)
	}
}
