package store

import (
	"sync"

	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
)

// MessageWriter is the part of Store the Recorder needs.
type MessageWriter interface {
	CreateMessage(m *Message) error
}

// Recorder persists messages off the delivery path. Record never blocks: a
// full queue or a failed write is logged and counted, never surfaced.
type Recorder struct {
	w       MessageWriter
	metrics *metrics.Registry
	queue   chan *Message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(w MessageWriter, size int, m *metrics.Registry) *Recorder {
	if size <= 0 {
		size = 256
	}
	r := &Recorder{
		w:       w,
		metrics: m,
		queue:   make(chan *Message, size),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues m for storage. It reports whether m was queued.
func (r *Recorder) Record(m *Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- m:
		return true
	default:
		logger.Error("persistence failure: queue full", "project", m.ProjectID, "sender", m.Sender.ID)
		r.metrics.PersistFailed()
		return false
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for m := range r.queue {
		if err := r.w.CreateMessage(m); err != nil {
			logger.Error("persistence failure", "project", m.ProjectID, "sender", m.Sender.ID, "err", err)
			r.metrics.PersistFailed()
		}
	}
}

// Close stops accepting messages and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
