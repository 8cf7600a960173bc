package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers that claim and execute queued jobs.
// Each worker runs one job at a time; jobs never share mutable state.
type Pool struct {
	transport Transport
	orch      *Orchestrator
	workers   int
	poll      time.Duration
	name      string
	logger    *slog.Logger
}

// NewPool creates a Pool. name prefixes worker IDs so claims from several
// processes can be told apart.
func NewPool(transport Transport, orch *Orchestrator, workers int, poll time.Duration, name string, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		transport: transport,
		orch:      orch,
		workers:   workers,
		poll:      poll,
		name:      name,
		logger:    logger,
	}
}

// Run starts the workers and blocks until ctx is cancelled or a worker hits
// an unrecoverable error.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for n := 1; n <= p.workers; n++ {
		workerID := fmt.Sprintf("%s-%d", p.name, n)
		g.Go(func() error { return p.work(gctx, workerID) })
	}
	p.logger.Info("worker pool started", "workers", p.workers, "poll", p.poll)
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, workerID string) error {
	logger := p.logger.With("worker", workerID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		ran, err := p.RunOnce(ctx, workerID)
		if err != nil {
			logger.Error("worker step failed", "error", err)
		}
		if ran && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.poll):
		}
	}
}

// RunOnce claims at most one job and executes it synchronously. It reports
// whether a job was claimed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	j, err := p.transport.ClaimNextJob(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if j == nil {
		return false, nil
	}
	if j.WorkerID == "" {
		j.WorkerID = workerID
	}
	p.logger.Debug("job claimed", "job", j.ID, "worker", workerID)
	return true, p.orch.Execute(ctx, j)
}

// Drain executes queued jobs until none are left. One-shot CLI runs use it.
func (p *Pool) Drain(ctx context.Context) error {
	workerID := p.name + "-drain"
	for {
		ran, err := p.RunOnce(ctx, workerID)
		if err != nil || !ran {
			return err
		}
	}
}
