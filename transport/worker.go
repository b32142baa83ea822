package transport

import "sync"

// peerWorker runs callbacks for one peer strictly in submission order on its
// own goroutine. Submission never blocks; the backlog is unbounded.
type peerWorker struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newPeerWorker() *peerWorker {
	w := &peerWorker{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// submit queues fn. It reports false if the worker was stopped.
func (w *peerWorker) submit(fn func()) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.pending = append(w.pending, fn)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// stop lets the worker drain what is already queued and exit.
func (w *peerWorker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *peerWorker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		stopped := w.stopped
		w.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-w.wake
	}
}
