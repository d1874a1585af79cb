package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pgvoice/voiceagent/internal/observability"
)

var (
	ErrNotFound          = errors.New("connection not found")
	ErrAlreadyRegistered = errors.New("connection already has a live bridge")
)

// Info describes a live bridge for operators.
type Info struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Bridge is the part of a session bridge the registry drives.
type Bridge interface {
	Info() Info
	// Shutdown tears the bridge down and returns once teardown finished.
	Shutdown(reason string)
}

// Registry is the process-wide table of live bridges keyed by connection id.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]Bridge
	metrics *observability.Metrics
}

func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{
		bridges: make(map[string]Bridge),
		metrics: metrics,
	}
}

func (r *Registry) Register(connID string, b Bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bridges[connID]; ok {
		return ErrAlreadyRegistered
	}
	r.bridges[connID] = b
	r.metrics.SessionOpened()
	return nil
}

// Unregister removes the bridge for connID. It reports whether an entry was
// removed; later calls are no-ops.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bridges[connID]; !ok {
		return false
	}
	delete(r.bridges, connID)
	r.metrics.SessionClosed()
	return true
}

func (r *Registry) Get(connID string) (Bridge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[connID]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// List returns live bridges ordered by connection time.
func (r *Registry) List() []Info {
	out := make([]Info, 0, r.ActiveCount())
	for _, b := range r.snapshot() {
		out = append(out, b.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// ShutdownAll tears down every live bridge concurrently and waits for them,
// bounded by ctx.
func (r *Registry) ShutdownAll(ctx context.Context, reason string) error {
	bridges := r.snapshot()
	if len(bridges) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, b := range bridges {
		wg.Add(1)
		go func(b Bridge) {
			defer wg.Done()
			b.Shutdown(reason)
		}(b)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartJanitor shuts down bridges with no client activity for idleTimeout.
func (r *Registry) StartJanitor(ctx context.Context, interval, idleTimeout time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle(time.Now().UTC(), idleTimeout)
			}
		}
	}()
}

func (r *Registry) expireIdle(now time.Time, idleTimeout time.Duration) {
	for _, b := range r.snapshot() {
		if now.Sub(b.Info().LastActivityAt) < idleTimeout {
			continue
		}
		r.metrics.SessionEvent("idle_expired")
		go b.Shutdown("idle timeout")
	}
}

func (r *Registry) snapshot() []Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}
