package frame

import (
	"sort"
	"sync"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
)

// Registry maps frame ids to frames for the life of the host
type Registry struct {
	mu      sync.RWMutex
	frames  map[string]*Frame // Protected by mu
	metrics *monitoring.Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{frames: make(map[string]*Frame)}
}

// WithMetrics adds active frame tracking
func (r *Registry) WithMetrics(metrics *monitoring.Metrics) *Registry {
	r.metrics = metrics
	return r
}

// Add registers f. It reports false when the id is already taken.
func (r *Registry) Add(f *Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.frames[f.ID]; exists {
		return false
	}
	r.frames[f.ID] = f
	r.metrics.SetFramesActive(len(r.frames))
	return true
}

// Get looks a frame up by id
func (r *Registry) Get(id string) (*Frame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.frames[id]
	return f, ok
}

// Has reports whether id names a live frame. It fits rpc.Config.Accept.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Remove unregisters id and returns the frame that was there
func (r *Registry) Remove(id string) (*Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.frames[id]
	if !ok {
		return nil, false
	}
	delete(r.frames, id)
	r.metrics.SetFramesActive(len(r.frames))
	return f, true
}

// List returns every frame, oldest first
func (r *Registry) List() []*Frame {
	r.mu.RLock()
	frames := make([]*Frame, 0, len(r.frames))
	for _, f := range r.frames {
		frames = append(frames, f)
	}
	r.mu.RUnlock()

	sort.Slice(frames, func(i, j int) bool {
		if frames[i].CreatedAt.Equal(frames[j].CreatedAt) {
			return frames[i].ID < frames[j].ID
		}
		return frames[i].CreatedAt.Before(frames[j].CreatedAt)
	})
	return frames
}

// Len returns the number of live frames
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frames)
}
