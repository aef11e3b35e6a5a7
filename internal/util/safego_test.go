package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeGoWithName(t *testing.T) {
	done := make(chan struct{})

	SafeGoWithName("test-goroutine", func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SafeGoWithName did not execute the function")
	}
}

func TestSafeGoWithName_Panic(t *testing.T) {
	done := make(chan struct{})

	SafeGoWithName("panicking", func() {
		defer close(done)
		panic("test panic")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not complete")
	}
}

func TestGoTracked(t *testing.T) {
	var wg sync.WaitGroup
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		GoTracked(&wg, "worker", func() {
			count.Add(1)
		})
	}
	GoTracked(&wg, "panicking", func() {
		panic("boom")
	})

	wg.Wait()

	if got := count.Load(); got != 5 {
		t.Errorf("expected 5 executions, got %d", got)
	}
}
