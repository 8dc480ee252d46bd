package publish

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SubscriberStats captures delivery metrics for one connected player.
type SubscriberStats struct {
	ID          string `json:"id"`
	RemoteAddr  string `json:"remoteAddr"`
	ConnectedAt int64  `json:"connectedAt"`
	UptimeMs    int64  `json:"uptimeMs"`
	BytesSent   int64  `json:"bytesSent"`
	Chunks      int64  `json:"chunks"`
	Dropped     int64  `json:"dropped"`
}

// Subscriber is one connected player. Chunks broadcast to it are queued
// and written by its own goroutine, so a slow player only loses its own
// data.
type Subscriber struct {
	ID        string
	Remote    string
	StartedAt time.Time

	queue  chan []byte
	synced atomic.Bool

	bytesSent atomic.Int64
	chunks    atomic.Int64
	dropped   atomic.Int64
}

// Stats returns a snapshot of the subscriber's delivery metrics.
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		ID:          s.ID,
		RemoteAddr:  s.Remote,
		ConnectedAt: s.StartedAt.UnixMilli(),
		UptimeMs:    time.Since(s.StartedAt).Milliseconds(),
		BytesSent:   s.bytesSent.Load(),
		Chunks:      s.chunks.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// serve writes queued chunks to w until the subscriber is unregistered or
// a write fails.
func (s *Subscriber) serve(w io.Writer) error {
	for chunk := range s.queue {
		n, err := w.Write(chunk)
		if err != nil {
			return err
		}
		s.bytesSent.Add(int64(n))
		s.chunks.Add(1)
	}
	return nil
}

// Registry tracks connected subscribers and fans transport stream chunks
// out to them.
type Registry struct {
	queueSize int

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewRegistry creates a Registry whose subscribers buffer up to queueSize
// chunks each.
func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		queueSize: queueSize,
		subs:      make(map[string]*Subscriber),
	}
}

// Register adds a subscriber for a player at remote.
func (r *Registry) Register(remote string) *Subscriber {
	s := &Subscriber{
		ID:        uuid.New().String(),
		Remote:    remote,
		StartedAt: time.Now(),
		queue:     make(chan []byte, r.queueSize),
	}
	r.mu.Lock()
	r.subs[s.ID] = s
	r.mu.Unlock()
	return s
}

// Unregister removes a subscriber and ends its serve loop. It reports
// whether the subscriber was still registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return false
	}
	delete(r.subs, id)
	close(s.queue)
	return true
}

// CloseAll unregisters every subscriber.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		delete(r.subs, id)
		close(s.queue)
	}
}

// Get returns the subscriber with the given id.
func (r *Registry) Get(id string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// Len returns the number of connected subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// List returns stats for every connected subscriber.
func (r *Registry) List() []SubscriberStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriberStats, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s.Stats())
	}
	return out
}

// Broadcast queues chunk for every subscriber without blocking. A new
// subscriber receives nothing until the first chunk flagged as a sync
// point, which starts with PAT, PMT and a keyframe. A full queue drops the
// chunk for that subscriber only.
func (r *Registry) Broadcast(chunk []byte, sync bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if !s.synced.Load() {
			if !sync {
				continue
			}
			s.synced.Store(true)
		}
		select {
		case s.queue <- chunk:
		default:
			s.dropped.Add(1)
		}
	}
}
