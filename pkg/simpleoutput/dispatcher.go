package simpleoutput

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher feeds stored artifacts to a bounded pool of conversion workers.
// Jobs may be delivered more than once; the stored -> converting claim in
// the repository keeps every artifact to a single conversion.
type Dispatcher struct {
	svc           *service
	queue         chan uuid.UUID
	workers       int
	sweepInterval time.Duration
	logger        *slog.Logger
}

func newDispatcher(svc *service, workers, queueSize int, sweepInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		svc:           svc,
		queue:         make(chan uuid.UUID, queueSize),
		workers:       workers,
		sweepInterval: sweepInterval,
		logger:        svc.logger.With("component", "dispatcher"),
	}
}

// Submit enqueues an artifact without blocking.
func (d *Dispatcher) Submit(id uuid.UUID) error {
	select {
	case d.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and the sweep loop and blocks until ctx is done
// and every in-flight conversion has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting conversion workers", "workers", d.workers, "queue", cap(d.queue), "sweep_interval", d.sweepInterval)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}

	d.sweep(ctx)
	if d.sweepInterval > 0 {
		ticker := time.NewTicker(d.sweepInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				d.sweep(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	d.logger.Info("Conversion workers stopped")
	return nil
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			start := time.Now()
			artifact, err := d.svc.ConvertArtifact(ctx, id)
			switch {
			case errors.Is(err, ErrInvalidStatusTransition):
				d.logger.Debug("Artifact already claimed", "artifact_id", id, "worker", worker)
			case err != nil:
				d.logger.Error("Conversion failed", "artifact_id", id, "worker", worker, "error", err)
			default:
				d.logger.Info("Conversion finished", "artifact_id", id, "worker", worker,
					"output_path", artifact.OutputPath, "duration", time.Since(start))
			}
		}
	}
}

// sweep re-queues stored artifacts that were never claimed, e.g. after a
// restart or a full queue.
func (d *Dispatcher) sweep(ctx context.Context) {
	limit := cap(d.queue) - len(d.queue)
	if limit <= 0 {
		return
	}
	artifacts, err := d.svc.repository.ListArtifactsByStatus(ctx, ArtifactStatusStored, limit)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("Sweep failed", "error", err)
		}
		return
	}
	for _, a := range artifacts {
		if err := d.Submit(a.ID); err != nil {
			return
		}
	}
	if len(artifacts) > 0 {
		d.logger.Debug("Sweep queued artifacts", "count", len(artifacts))
	}
}
