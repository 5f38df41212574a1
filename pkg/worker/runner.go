// Package worker hosts the background loops: the debounce drainer and the
// follow-up deliverer. Each invocation is a bounded wall-clock pass; the
// debounce runner re-invokes itself over HTTP while work remains, and a cron
// heartbeat guarantees both loops restart even if a self-invocation is lost.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DebounceBudget bounds one debounce pass.
	DebounceBudget = 25 * time.Second

	// ReinvokeDelay is the pause before a runner calls itself again.
	ReinvokeDelay = 3 * time.Second

	scanBatch = 50
)

// DebouncePass is one bounded drain of the debounce buffer. Reports whether
// processable work remains.
type DebouncePass interface {
	RunOnce(ctx context.Context, endpointID string, limit int, deadline time.Time) (bool, error)
}

// FollowupPass is one follow-up worker pass.
type FollowupPass interface {
	Run(ctx context.Context) error
}

// Runner drives the worker passes.
type Runner struct {
	pipeline DebouncePass
	followup FollowupPass

	// selfURL is this instance's own base URL; empty disables HTTP
	// self-reinvocation (the cron heartbeat still restarts the loops).
	selfURL       string
	internalToken string

	httpClient *http.Client
	logger     *slog.Logger
}

// New builds a runner.
func New(pipeline DebouncePass, fw FollowupPass, selfURL, internalToken string, logger *slog.Logger) *Runner {
	return &Runner{
		pipeline:      pipeline,
		followup:      fw,
		selfURL:       selfURL,
		internalToken: internalToken,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// RunDebounce performs one bounded debounce pass and schedules a
// self-reinvocation when mature work remains.
func (r *Runner) RunDebounce(ctx context.Context) error {
	deadline := time.Now().Add(DebounceBudget)
	remaining, err := r.pipeline.RunOnce(ctx, "", scanBatch, deadline)
	if err != nil {
		return fmt.Errorf("debounce pass failed: %w", err)
	}
	if remaining {
		r.reinvoke("debounce")
	}
	return nil
}

// RunFollowup performs one follow-up worker pass.
func (r *Runner) RunFollowup(ctx context.Context) error {
	return r.followup.Run(ctx)
}

// StartCron registers the heartbeat ticks and starts the scheduler. The
// returned cron is stopped by the caller on shutdown.
func (r *Runner) StartCron() *cron.Cron {
	c := cron.New()
	_, _ = c.AddFunc("@every 1m", func() {
		if err := r.RunDebounce(context.Background()); err != nil {
			r.logger.Error("Debounce heartbeat failed", "error", err)
		}
	})
	_, _ = c.AddFunc("@every 1m", func() {
		if err := r.RunFollowup(context.Background()); err != nil {
			r.logger.Error("Follow-up heartbeat failed", "error", err)
		}
	})
	c.Start()
	r.logger.Info("Worker heartbeat started", "interval", "1m")
	return c
}

// reinvoke schedules a delayed POST to this instance's own worker endpoint.
// A lost invocation is tolerable: the cron heartbeat picks the work up on
// the next tick.
func (r *Runner) reinvoke(name string) {
	if r.selfURL == "" {
		return
	}
	url := fmt.Sprintf("%s/internal/workers/%s/run", r.selfURL, name)
	time.AfterFunc(ReinvokeDelay, func() {
		req, err := http.NewRequest(http.MethodPost, url, nil)
		if err != nil {
			r.logger.Error("Failed to build reinvoke request", "worker", name, "error", err)
			return
		}
		if r.internalToken != "" {
			req.Header.Set("Authorization", "Bearer "+r.internalToken)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			r.logger.Warn("Worker self-reinvocation failed", "worker", name, "error", err)
			return
		}
		resp.Body.Close()
		r.logger.Info("Worker reinvoked", "worker", name, "status", resp.StatusCode)
	})
}
