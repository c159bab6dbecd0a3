package voice

import (
	"sync"
	"testing"
	"time"
)

func TestSerialQueueOrdering(t *testing.T) {
	q := newSerialQueue()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup

	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		q.Submit("chan-1", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if got[i] != i {
			t.Fatalf("job %d ran at position %d; same-key jobs must run in submission order", got[i], i)
		}
	}
}

func TestSerialQueueKeysAreIndependent(t *testing.T) {
	q := newSerialQueue()

	blocked := make(chan struct{})
	release := make(chan struct{})
	q.Submit("slow", func() {
		close(blocked)
		<-release
	})
	<-blocked

	// a job on another key must run while "slow" is stuck
	done := make(chan struct{})
	q.Submit("fast", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job on an independent key was blocked by another key's work")
	}
	close(release)
}

func TestSerialQueueWorkerRestartsAfterDrain(t *testing.T) {
	q := newSerialQueue()

	first := make(chan struct{})
	q.Submit("chan-1", func() { close(first) })
	<-first

	// give the worker a moment to exit, then submit again
	time.Sleep(50 * time.Millisecond)
	second := make(chan struct{})
	q.Submit("chan-1", func() { close(second) })

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not process a job submitted after draining")
	}
}
