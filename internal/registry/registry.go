// Package registry implements the Engine Registry: the process-wide map
// from task_id to its live Controller, per §4.8.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlpit/crawlpit/internal/controller"
	"github.com/crawlpit/crawlpit/internal/crawler"
)

// Registry tracks every task that has a live (non-terminal-and-reaped)
// Controller, plus the Task Configuration table from §6: every task ID a
// caller has ever created, independent of whether a controller is live for
// it. A configured task ID with no live controller has either never been
// started or has been cleaned up after reaching a terminal state.
type Registry struct {
	mu          sync.Mutex
	configs     map[string]crawler.TaskConfig
	controllers map[string]*controller.Controller
	logger      *zap.Logger
}

// New builds an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		configs:     make(map[string]crawler.TaskConfig),
		controllers: make(map[string]*controller.Controller),
		logger:      logger,
	}
}

// CreateConfig registers a new task configuration without spawning a
// controller, per the `POST /tasks` contract. It refuses a duplicate ID.
func (r *Registry) CreateConfig(cfg crawler.TaskConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid task config: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[cfg.ID]; exists {
		return fmt.Errorf("task %q already exists", cfg.ID)
	}
	r.configs[cfg.ID] = cfg
	return nil
}

// GetConfig returns the stored configuration for taskID, if any.
func (r *Registry) GetConfig(taskID string) (crawler.TaskConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[taskID]
	return cfg, ok
}

// UpdateConfig replaces the stored configuration for cfg.ID. It is rejected
// with an error when a controller is live for the task, per the `PUT
// /tasks/{id}` contract's `task_running` rule.
func (r *Registry) UpdateConfig(cfg crawler.TaskConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid task config: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[cfg.ID]; !exists {
		return fmt.Errorf("task %q not found", cfg.ID)
	}
	if _, live := r.controllers[cfg.ID]; live {
		return ErrTaskRunning
	}
	r.configs[cfg.ID] = cfg
	return nil
}

// DeleteConfig stops any live controller for taskID and removes its
// configuration. Callers are responsible for deleting the task's URL
// records from the store, since the Registry has no store handle.
func (r *Registry) DeleteConfig(taskID string) error {
	r.mu.Lock()
	if _, exists := r.configs[taskID]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("task %q not found", taskID)
	}
	c, live := r.controllers[taskID]
	delete(r.controllers, taskID)
	delete(r.configs, taskID)
	r.mu.Unlock()

	if live {
		if err := c.Stop(); err != nil {
			r.logger.Warn("delete config stop", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

// ListConfigs returns every stored task configuration.
func (r *Registry) ListConfigs() []crawler.TaskConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]crawler.TaskConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out
}

// ErrTaskRunning is returned by UpdateConfig when a live controller exists
// for the task, per the `PUT /tasks/{id}` contract.
var ErrTaskRunning = errors.New("task_running")

// StartTask validates cfg, builds a Controller, starts it, and registers it
// under cfg.ID. It refuses to start a task ID that already has a live
// controller, per §4.8.
func (r *Registry) StartTask(ctx context.Context, cfg crawler.TaskConfig, deps controller.Deps) (*controller.Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task config: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.controllers[cfg.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("task %q already has a live controller", cfg.ID)
	}
	c := controller.New(cfg, deps)
	r.controllers[cfg.ID] = c
	r.configs[cfg.ID] = cfg
	r.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.controllers, cfg.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("start task %q: %w", cfg.ID, err)
	}

	r.logger.Info("task started", zap.String("task_id", cfg.ID))
	return c, nil
}

// StartByID starts a previously created configuration, per the `POST
// /tasks/{id}/start` contract.
func (r *Registry) StartByID(ctx context.Context, taskID string, deps controller.Deps) (*controller.Controller, error) {
	cfg, ok := r.GetConfig(taskID)
	if !ok {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	return r.StartTask(ctx, cfg, deps)
}

// Resume resumes a paused task's workers, or starts it fresh if it has no
// live controller, per the `POST /tasks/{id}/resume` contract.
func (r *Registry) Resume(ctx context.Context, taskID string, deps controller.Deps) error {
	if c, ok := r.GetController(taskID); ok {
		return c.ResumeWorkers()
	}
	_, err := r.StartByID(ctx, taskID, deps)
	return err
}

// GetController returns the live controller for taskID, if any.
func (r *Registry) GetController(taskID string) (*controller.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[taskID]
	return c, ok
}

// ForceCleanup stops the task (if live) and removes it from the registry
// regardless of its current lifecycle, per §4.8's operator escape hatch.
func (r *Registry) ForceCleanup(taskID string) error {
	r.mu.Lock()
	c, ok := r.controllers[taskID]
	delete(r.controllers, taskID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := c.Stop(); err != nil {
		r.logger.Warn("force cleanup stop", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}

// List returns the task IDs with a live controller.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	return ids
}
