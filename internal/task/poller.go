// Package task polls server-side task handles until they reach a terminal state.
package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/chat"
	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/metrics"
	"github.com/ashureev/chatlink/internal/shared"
)

// StatusFetcher reads the status of one task.
type StatusFetcher interface {
	TaskStatus(ctx context.Context, taskID string) (domain.TaskStatusResponse, error)
}

// Sink receives progress and the terminal fold. *chat.Machine implements it.
type Sink interface {
	TaskProgress(taskID string, attempt int)
	ResolveTask(taskID string, out chat.TaskOutcome) bool
}

var _ Sink = (*chat.Machine)(nil)

// Options configures a Poller.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poller runs one sequential polling loop per task.
type Poller struct {
	fetch StatusFetcher
	sink  Sink
	opts  Options

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller.
func New(fetch StatusFetcher, sink Sink, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 30
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Poller{
		fetch:  fetch,
		sink:   sink,
		opts:   opts,
		active: make(map[string]context.CancelFunc),
	}
}

// Start polls taskID in the background. Starting a task that is already being
// polled is a no-op.
func (p *Poller) Start(taskID string) {
	p.mu.Lock()
	if _, ok := p.active[taskID]; ok {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.active[taskID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.forget(taskID)
		p.Run(ctx, taskID)
	}()
}

// Run polls taskID until it resolves, the budget is spent, or ctx is
// cancelled. It returns false when polling stopped without a fold.
func (p *Poller) Run(ctx context.Context, taskID string) bool {
	logger := p.opts.Logger.With("task_id", taskID)

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if err := p.opts.Sleep(ctx, p.opts.Interval); err != nil {
			logger.Debug("Task polling cancelled", "attempt", attempt)
			return false
		}

		resp, err := p.fetch.TaskStatus(ctx, taskID)
		if ctx.Err() != nil {
			logger.Debug("Discarding poll result after cancellation", "attempt", attempt)
			return false
		}
		if err != nil {
			if shared.IsAuth(err) {
				logger.Info("Task polling stopped by session loss", "attempt", attempt)
				return false
			}
			// An offline read with nothing cached waits for connectivity
			// inside the attempt budget.
			if !shared.IsRetryable(err) && shared.KindOf(err) != shared.KindOffline {
				p.opts.Metrics.ObserveTaskPoll("failure")
				return p.resolve(taskID, chat.TaskOutcome{Status: domain.TaskFailure, Error: err.Error(), Attempts: attempt})
			}
			p.opts.Metrics.ObserveTaskPoll("error")
			logger.Warn("Task poll failed", "attempt", attempt, "error", err)
			continue
		}

		switch {
		case resp.Status == string(domain.TaskSuccess):
			p.opts.Metrics.ObserveTaskPoll("success")
			return p.resolve(taskID, chat.TaskOutcome{Status: domain.TaskSuccess, Response: resp.Response, Attempts: attempt})
		case resp.Status == string(domain.TaskFailure), resp.Status == "error", resp.ErrorMessage != "":
			p.opts.Metrics.ObserveTaskPoll("failure")
			return p.resolve(taskID, chat.TaskOutcome{Status: domain.TaskFailure, Error: resp.ErrorMessage, Attempts: attempt})
		default:
			p.opts.Metrics.ObserveTaskPoll("pending")
			p.sink.TaskProgress(taskID, attempt)
		}
	}

	p.opts.Metrics.ObserveTaskPoll("timeout")
	logger.Warn("Task polling budget exhausted", "attempts", p.opts.MaxAttempts)
	return p.resolve(taskID, chat.TaskOutcome{Status: domain.TaskTimeout, Attempts: p.opts.MaxAttempts})
}

func (p *Poller) resolve(taskID string, out chat.TaskOutcome) bool {
	if !p.sink.ResolveTask(taskID, out) {
		p.opts.Logger.Debug("Task already resolved", "task_id", taskID)
		return false
	}
	return true
}

// Cancel stops polling taskID. Pending results are discarded.
func (p *Poller) Cancel(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.active[taskID]; ok {
		cancel()
		delete(p.active, taskID)
	}
}

// CancelAll stops every poll loop.
func (p *Poller) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.active {
		cancel()
		delete(p.active, id)
	}
}

// Active returns the number of tasks being polled.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Wait blocks until every background loop has returned.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.active[taskID]; ok {
		cancel()
		delete(p.active, taskID)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
