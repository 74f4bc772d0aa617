// Package registry keeps the in-memory table of tasks known to this
// process and fans history events out to stream subscribers.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/models"
)

// subscriberBuffer bounds each watcher's channel. Slow consumers drop
// events rather than block the engine.
const subscriberBuffer = 64

// Registry stores tasks by id and implements the engine's EventSink.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*models.Task
	subs  map[string]map[chan models.HistoryEvent]struct{}
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		tasks:  make(map[string]*models.Task),
		subs:   make(map[string]map[chan models.HistoryEvent]struct{}),
	}
}

// Register adds a task to the table before execution starts.
func (r *Registry) Register(task *models.Task) {
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()
}

// Get returns the task for id.
func (r *Registry) Get(id string) (*models.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Publish implements engine.EventSink. Events are delivered best-effort:
// a full subscriber buffer drops the event for that subscriber only.
func (r *Registry) Publish(taskID string, ev models.HistoryEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs[taskID] {
		select {
		case ch <- ev:
		default:
			r.logger.Debug("Dropping event for slow subscriber",
				zap.String("task_id", taskID),
				zap.String("event", ev.Event),
			)
		}
	}
}

// Watch subscribes to a task's future history events. The returned cancel
// function must be called to release the subscription.
func (r *Registry) Watch(taskID string) (<-chan models.HistoryEvent, func()) {
	ch := make(chan models.HistoryEvent, subscriberBuffer)

	r.mu.Lock()
	if r.subs[taskID] == nil {
		r.subs[taskID] = make(map[chan models.HistoryEvent]struct{})
	}
	r.subs[taskID][ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if set, ok := r.subs[taskID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(r.subs, taskID)
			}
		}
		r.mu.Unlock()
	}
	return ch, cancel
}
