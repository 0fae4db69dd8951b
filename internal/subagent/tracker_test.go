package subagent

import (
	"context"
	"errors"
	"testing"
	"time"
)

// a completes at ~20ms, b at ~40ms, c never. WaitForAll must time out at the
// deadline; WaitForAny must resolve with a's result around 20ms.
func TestWaitForAllTimesOutOnStuckSubagent(t *testing.T) {
	tr := NewTracker()
	tr.Register("a")
	tr.Register("b")
	tr.Register("c")

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.MarkCompleted("a", "result-a")
		time.Sleep(20 * time.Millisecond)
		tr.MarkCompleted("b", "result-b")
	}()

	start := time.Now()
	_, err := tr.WaitForAll(context.Background(), []string{"a", "b", "c"}, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Errorf("timed out after %s, want ~100ms", elapsed)
	}
}

func TestWaitForAnyResolvesWithFirst(t *testing.T) {
	tr := NewTracker()
	tr.Register("a")
	tr.Register("b")
	tr.Register("c")

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.MarkCompleted("a", "result-a")
	}()

	start := time.Now()
	res, err := tr.WaitForAny(context.Background(), []string{"a", "b", "c"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.SessionID != "a" || res.Output != "result-a" {
		t.Errorf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 80*time.Millisecond {
		t.Errorf("resolved after %s, want ~20ms", elapsed)
	}
}

func TestWaitForAllOrdersResultsByIDs(t *testing.T) {
	tr := NewTracker()
	tr.Register("x")
	tr.Register("y")
	tr.MarkCompleted("y", "second")
	tr.MarkFailed("x", errors.New("broke"))

	results, err := tr.WaitForAll(context.Background(), []string{"x", "y"}, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if results[0].SessionID != "x" || results[0].Status != StatusFailed {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].SessionID != "y" || results[1].Output != "second" {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestWaitCancellation(t *testing.T) {
	tr := NewTracker()
	tr.Register("a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := tr.WaitForAll(ctx, []string{"a"}, time.Second); !errors.Is(err, ErrCancelled) {
		t.Errorf("all err = %v, want ErrCancelled", err)
	}
	if _, err := tr.WaitForAny(ctx, []string{"a"}, time.Second); !errors.Is(err, ErrCancelled) {
		t.Errorf("any err = %v, want ErrCancelled", err)
	}
}

func TestWaitUnknownID(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.WaitForAll(context.Background(), []string{"ghost"}, time.Second); !errors.Is(err, ErrUnknown) {
		t.Errorf("err = %v, want ErrUnknown", err)
	}
}

func TestPendingAndResults(t *testing.T) {
	tr := NewTracker()
	tr.Register("a")
	tr.Register("b")
	tr.MarkCompleted("a", "done")

	if pending := tr.Pending(); len(pending) != 1 || pending[0] != "b" {
		t.Errorf("pending = %v", pending)
	}
	if results := tr.Results(); len(results) != 1 || results[0].SessionID != "a" {
		t.Errorf("results = %+v", results)
	}
}
