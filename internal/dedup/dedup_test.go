package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunExclusiveCollapsesConcurrentCallers(t *testing.T) {
	gate := NewGate()

	var executions int64
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.RunExclusive("key", func() error {
				atomic.AddInt64(&executions, 1)
				close(started)
				<-release
				return nil
			})
		}()
	}

	<-started
	// Give the remaining goroutines time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt64(&executions); n != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", n)
	}
}

func TestRunExclusiveSharesError(t *testing.T) {
	gate := NewGate()
	wantErr := errSentinel

	err := gate.RunExclusive("key", func() error { return wantErr })
	if err != wantErr {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	// A completed key runs fresh on the next call.
	err = gate.RunExclusive("key", func() error { return nil })
	if err != nil {
		t.Fatalf("expected nil after completion, got %v", err)
	}
}

func TestRunExclusiveDifferentKeysRunIndependently(t *testing.T) {
	gate := NewGate()

	var executions int64
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_ = gate.RunExclusive(k, func() error {
				atomic.AddInt64(&executions, 1)
				return nil
			})
		}(key)
	}
	wg.Wait()

	if n := atomic.LoadInt64(&executions); n != 3 {
		t.Fatalf("expected 3 executions, got %d", n)
	}
}

var errSentinel = &testError{}

type testError struct{}

func (*testError) Error() string { return "test error" }
