package hub

import (
	"sync"

	"tradelive/logger"
)

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// Fanout delivers one payload to many connections through a small worker
// pool. Per-connection queues isolate slow peers; a peer whose queue is full
// is handed to onSlow for termination so it never backs up the others.
// Broadcast after Close is a silent drop: the push API and the event ingress
// keep serving while shutdown runs.
type Fanout struct {
	jobs   chan fanoutJob
	onSlow func(*Client)

	mu     sync.RWMutex
	closed bool
}

func NewFanout(workers, queue int, onSlow func(*Client)) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{jobs: make(chan fanoutJob, queue), onSlow: onSlow}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range f.jobs {
				for _, c := range job.conns {
					if !c.Enqueue(job.payload) {
						logger.Warnf("[fanout] slow peer, dropping conn=%s user=%s", c.ConnID, c.UserID())
						if f.onSlow != nil {
							f.onSlow(c)
						}
					}
				}
			}
		}()
	}
	return f
}

func (f *Fanout) Broadcast(conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.jobs <- fanoutJob{conns: conns, payload: payload}
}

// Close stops the workers. Idempotent.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.jobs)
}
