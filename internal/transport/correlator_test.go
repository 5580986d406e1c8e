package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCorrelator(t *testing.T) {
	t.Run("resolve delivers to waiter", func(t *testing.T) {
		c := NewCorrelator()
		p := c.Register("arm-1", "cmd_1")

		go func() {
			time.Sleep(10 * time.Millisecond)
			if !c.Resolve("arm-1", "cmd_1", Result{Success: true, Data: "ok"}) {
				t.Error("Resolve() = false, want true")
			}
		}()

		r, err := p.Wait(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if !r.Success || r.Data != "ok" {
			t.Errorf("Wait() = %+v, want success with data", r)
		}
		if c.Len() != 0 {
			t.Errorf("Len() = %d after resolve, want 0", c.Len())
		}
	})

	t.Run("resolve before wait is not lost", func(t *testing.T) {
		c := NewCorrelator()
		p := c.Register("arm-1", "cmd_early")
		c.Resolve("arm-1", "cmd_early", Result{Success: true})

		if _, err := p.Wait(context.Background(), 10*time.Millisecond); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})

	t.Run("timeout deregisters", func(t *testing.T) {
		c := NewCorrelator()
		p := c.Register("arm-1", "cmd_slow")

		_, err := p.Wait(context.Background(), 20*time.Millisecond)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Wait() error = %v, want ErrTimeout", err)
		}
		if c.Len() != 0 {
			t.Errorf("Len() = %d after timeout, want 0", c.Len())
		}
		if c.Resolve("arm-1", "cmd_slow", Result{Success: true}) {
			t.Error("late Resolve() = true, want false")
		}
	})

	t.Run("cancellation deregisters", func(t *testing.T) {
		c := NewCorrelator()
		p := c.Register("arm-1", "cmd_cancel")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.Wait(ctx, time.Minute)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Wait() error = %v, want context.Canceled", err)
		}
		if c.Len() != 0 {
			t.Errorf("Len() = %d after cancel, want 0", c.Len())
		}
	})

	t.Run("cancel without wait", func(t *testing.T) {
		c := NewCorrelator()
		c.Register("arm-1", "cmd_unsent").Cancel()
		if c.Len() != 0 {
			t.Errorf("Len() = %d after Cancel, want 0", c.Len())
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if NewCorrelator().Resolve("arm-1", "nope", Result{}) {
			t.Error("Resolve(unknown) = true, want false")
		}
	})

	t.Run("response from another device is ignored", func(t *testing.T) {
		c := NewCorrelator()
		p := c.Register("arm-1", "cmd_shared")

		if c.Resolve("arm-2", "cmd_shared", Result{Success: true}) {
			t.Fatal("Resolve(other device) = true, want false")
		}
		if c.Len() != 1 {
			t.Fatalf("Len() = %d, want 1", c.Len())
		}
		if !c.Resolve("arm-1", "cmd_shared", Result{Success: true}) {
			t.Fatal("Resolve(owning device) = false, want true")
		}
		if _, err := p.Wait(context.Background(), time.Second); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})

	t.Run("fail completes only that device's waiters", func(t *testing.T) {
		c := NewCorrelator()
		a1 := c.Register("arm-1", "cmd_a1")
		a2 := c.Register("arm-1", "cmd_a2")
		other := c.Register("arm-2", "cmd_b")
		defer other.Cancel()

		if n := c.Fail("arm-1", ErrTransport); n != 2 {
			t.Fatalf("Fail() = %d, want 2", n)
		}
		for _, p := range []*Pending{a1, a2} {
			start := time.Now()
			_, err := p.Wait(context.Background(), time.Minute)
			if !errors.Is(err, ErrTransport) {
				t.Errorf("Wait(%s) error = %v, want ErrTransport", p.ID(), err)
			}
			if time.Since(start) > time.Second {
				t.Errorf("Wait(%s) blocked after Fail", p.ID())
			}
		}
		if c.Len() != 1 {
			t.Errorf("Len() = %d, want 1 (arm-2 untouched)", c.Len())
		}
	})

	t.Run("many concurrent waiters", func(t *testing.T) {
		c := NewCorrelator()
		const n = 50
		pending := make([]*Pending, n)
		for i := range pending {
			pending[i] = c.Register("arm-1", correlationID())
		}

		var wg sync.WaitGroup
		for _, p := range pending {
			wg.Add(1)
			go func(p *Pending) {
				defer wg.Done()
				if _, err := p.Wait(context.Background(), time.Second); err != nil {
					t.Errorf("Wait(%s) error = %v", p.ID(), err)
				}
			}(p)
		}
		for _, p := range pending {
			c.Resolve("arm-1", p.ID(), Result{Success: true})
		}
		wg.Wait()

		if c.Len() != 0 {
			t.Errorf("Len() = %d, want 0", c.Len())
		}
	})
}
