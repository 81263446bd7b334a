package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_Now(t *testing.T) {
	c := Fake(epoch)
	if !c.Now().Equal(epoch) {
		t.Errorf("Now() = %v, want %v", c.Now(), epoch)
	}

	c.Advance(5 * time.Second)
	if got := c.Now().Sub(epoch); got != 5*time.Second {
		t.Errorf("elapsed = %v, want 5s", got)
	}
}

func TestFake_After(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)

	c.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFake_AfterZero(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFake_AfterFuncOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int

	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(10 * time.Second)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestFake_AfterFuncChained(t *testing.T) {
	c := Fake(epoch)
	fired := 0

	c.AfterFunc(time.Second, func() {
		fired++
		c.AfterFunc(time.Second, func() { fired++ })
	})

	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d after first advance, want 1", fired)
	}
	c.Advance(time.Second)
	if fired != 2 {
		t.Errorf("fired = %d after second advance, want 2", fired)
	}
}

func TestFake_AfterFuncZero(t *testing.T) {
	c := Fake(epoch)
	fired := 0

	c.AfterFunc(0, func() { fired++ })
	if fired != 0 {
		t.Fatal("AfterFunc(0) ran before Advance")
	}
	c.Advance(0)
	if fired != 1 {
		t.Fatalf("fired = %d after Advance(0), want 1", fired)
	}

	c.AfterFunc(time.Second, func() {
		fired++
		c.AfterFunc(0, func() { fired++ })
	})
	c.Advance(time.Second)
	if fired != 3 {
		t.Errorf("fired = %d, want zero-delay callback registered by a callback to run in the same Advance", fired)
	}
}

func TestFake_Stop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop should report true")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}

	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFake_NextDeadline(t *testing.T) {
	c := Fake(epoch)
	if _, ok := c.NextDeadline(); ok {
		t.Fatal("expected no deadline on a fresh clock")
	}

	c.AfterFunc(4*time.Second, func() {})
	c.AfterFunc(2*time.Second, func() {})

	d, ok := c.NextDeadline()
	if !ok || d != 2*time.Second {
		t.Errorf("NextDeadline() = %v, %v; want 2s, true", d, ok)
	}
}

func TestFake_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})

	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not observe the advance")
	}
}

func TestReal(t *testing.T) {
	c := Real()
	ch := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(ch) })

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
