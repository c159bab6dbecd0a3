package voice

import "sync"

// serialQueue runs jobs for the same key strictly one at a time, in
// submission order. Independent keys drain concurrently, so a slow membership
// lookup for one channel delays only that channel's signals. Backpressure is
// natural: jobs queue behind the in-flight one.
type serialQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	running map[string]struct{}
}

func newSerialQueue() *serialQueue {
	return &serialQueue{
		pending: make(map[string][]func()),
		running: make(map[string]struct{}),
	}
}

// Submit enqueues a job under key. If no worker is draining that key, one is
// started; it exits when the key's queue empties.
func (q *serialQueue) Submit(key string, job func()) {
	q.mu.Lock()
	q.pending[key] = append(q.pending[key], job)
	if _, active := q.running[key]; active {
		q.mu.Unlock()
		return
	}
	q.running[key] = struct{}{}
	q.mu.Unlock()

	go q.drain(key)
}

func (q *serialQueue) drain(key string) {
	for {
		q.mu.Lock()
		jobs := q.pending[key]
		if len(jobs) == 0 {
			delete(q.pending, key)
			delete(q.running, key)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		q.pending[key] = jobs[1:]
		q.mu.Unlock()

		job()
	}
}
