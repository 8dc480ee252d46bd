// Package stream keeps the live encoder stream running while at least one
// consumer holds it open. The RTSP server and the SRT publisher each hold
// the shared Streamer under their own key.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Controller is the stream being shared. *encoder.Streamer satisfies it.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
}

// Holder is one consumer keeping the stream open.
type Holder struct {
	Key       string
	StartedAt time.Time
}

// Manager starts its Controller when the first holder arrives and stops it
// when the last one leaves.
type Manager struct {
	log  *slog.Logger
	ctrl Controller

	mu      sync.Mutex
	holders map[string]*Holder
}

// NewManager creates a manager for ctrl. If log is nil, slog.Default() is used.
func NewManager(ctrl Controller, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		ctrl:    ctrl,
		holders: make(map[string]*Holder),
	}
}

// Acquire makes key a holder and ensures the stream is running. The
// controller's Start is called every time, so a holder can restart a stream
// that stopped on its own after a codec failure; a failed start leaves the
// holder set unchanged.
func (m *Manager) Acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ctrl.Start(ctx); err != nil {
		if len(m.holders) == 0 {
			return err
		}
		return errors.Join(err, m.stopLocked())
	}
	if _, ok := m.holders[key]; !ok {
		m.holders[key] = &Holder{Key: key, StartedAt: time.Now()}
		m.log.Info("holder added", "key", key, "holders", len(m.holders))
	}
	return nil
}

// stopLocked drops every holder after a failed restart so the next Acquire
// starts from a clean stream.
func (m *Manager) stopLocked() error {
	clear(m.holders)
	return m.ctrl.Stop()
}

// Remove releases key. The last holder to leave stops the stream.
func (m *Manager) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holders[key]; !ok {
		return nil
	}
	delete(m.holders, key)
	m.log.Info("holder removed", "key", key, "holders", len(m.holders))
	if len(m.holders) > 0 {
		return nil
	}
	m.log.Info("last holder gone, stopping stream")
	return m.ctrl.Stop()
}

// List returns the current holders.
func (m *Manager) List() []Holder {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Holder, 0, len(m.holders))
	for _, h := range m.holders {
		out = append(out, *h)
	}
	return out
}

// Handle returns a Controller that acquires and removes key, for handing
// to a consumer that expects to own the stream.
func (m *Manager) Handle(key string) Controller {
	return handle{m: m, key: key}
}

type handle struct {
	m   *Manager
	key string
}

func (h handle) Start(ctx context.Context) error { return h.m.Acquire(ctx, h.key) }

func (h handle) Stop() error { return h.m.Remove(h.key) }
