package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tidalforge/audiopipe/internal/config"
	xlog "github.com/tidalforge/audiopipe/internal/log"
	"github.com/tidalforge/audiopipe/internal/metrics"
)

// ProcessorFunc processes one job reference on behalf of a stage. It is
// supplied by the Stage Worker Skeleton (internal/worker).
type ProcessorFunc func(ctx context.Context, stageName, jobID string) error

type stageRuntime struct {
	cfg  config.StageConfig
	sem  *semaphore.Weighted
	sub  Subscriber
	cur  atomic64 // current queue depth, best-effort for metrics
}

// atomic64 is a tiny int64 counter; kept local to avoid pulling in a new
// dependency for a single gauge.
type atomic64 struct {
	mu sync.Mutex
	n  int64
}

func (a *atomic64) add(d int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n += d
	return a.n
}

// Dispatcher is the Queue Dispatcher: it owns one subscription per
// configured stage, enforces per-stage concurrency with a weighted
// semaphore, and auto-enqueues a job on the next stage when a processor
// reports completion.
type Dispatcher struct {
	bus    Bus
	cfg    config.Config
	stages map[string]*stageRuntime

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// New builds a Dispatcher for every stage in cfg, backed by bus.
func New(cfg config.Config, bus Bus) *Dispatcher {
	d := &Dispatcher{bus: bus, cfg: cfg, stages: make(map[string]*stageRuntime, len(cfg.Stages))}
	for _, sc := range cfg.Stages {
		d.stages[sc.Name] = &stageRuntime{cfg: sc, sem: semaphore.NewWeighted(int64(sc.Concurrency))}
	}
	return d
}

// Enqueue requests that stage eventually process jobID. Enqueue is not
// required to deduplicate — processors must themselves tolerate being
// invoked on a job that is already past the stage.
func (d *Dispatcher) Enqueue(ctx context.Context, stageName, jobID string) error {
	rt, ok := d.stages[stageName]
	if !ok {
		return fmt.Errorf("queue: unknown stage %q", stageName)
	}
	if err := d.bus.Publish(ctx, rt.cfg.Queue, Message{JobID: jobID}); err != nil {
		return fmt.Errorf("queue: enqueue %s/%s: %w", stageName, jobID, err)
	}
	metrics.QueueDepth.WithLabelValues(stageName).Set(float64(rt.cur.add(1)))
	return nil
}

// Subscribe starts the consume loop for stageName: it pulls messages off the
// stage's queue and runs process for each, bounded by the stage's
// configured concurrency. Subscribe returns once the subscription is
// established; processing happens on background goroutines tracked by the
// Dispatcher's WaitGroup so Shutdown can wait for in-flight work to finish.
func (d *Dispatcher) Subscribe(ctx context.Context, stageName string, process ProcessorFunc) error {
	rt, ok := d.stages[stageName]
	if !ok {
		return fmt.Errorf("queue: unknown stage %q", stageName)
	}
	sub, err := d.bus.Subscribe(ctx, rt.cfg.Queue)
	if err != nil {
		return fmt.Errorf("queue: subscribe %s: %w", stageName, err)
	}
	rt.sub = sub

	d.wg.Add(1)
	go d.consumeLoop(ctx, stageName, rt, process)
	return nil
}

func (d *Dispatcher) consumeLoop(ctx context.Context, stageName string, rt *stageRuntime, process ProcessorFunc) {
	defer d.wg.Done()
	logger := xlog.WithComponent("queue").With().Str("stage", stageName).Logger()

	for {
		select {
		case msg, ok := <-rt.sub.C():
			if !ok {
				return
			}
			metrics.QueueDepth.WithLabelValues(stageName).Set(float64(rt.cur.add(-1)))

			d.mu.Lock()
			stopped := d.shutdown
			d.mu.Unlock()
			if stopped {
				// A message received once shutdown has begun is dropped
				// unprocessed; processors already started run to completion.
				continue
			}

			if err := rt.sem.Acquire(ctx, 1); err != nil {
				return
			}
			d.wg.Add(1)
			go func(jobID string) {
				defer d.wg.Done()
				defer rt.sem.Release(1)
				if err := process(ctx, stageName, jobID); err != nil {
					logger.Error().Err(err).Str("job_id", jobID).Msg("stage processor returned error")
				}
			}(msg.JobID)
		case <-ctx.Done():
			return
		}
	}
}

// OnCompleted is the hook the Stage Worker Skeleton fires after a
// successful stage. It enqueues the job on the next configured stage, if
// any; failure to do so is logged but never un-completes the job.
func (d *Dispatcher) OnCompleted(ctx context.Context, stageName, jobID string) {
	next, ok := d.cfg.NextStage(stageName)
	if !ok {
		return
	}
	if err := d.Enqueue(ctx, next.Name, jobID); err != nil {
		xlog.WithComponent("queue").Error().Err(err).
			Str("job_id", jobID).Str("stage", stageName).Str("next_stage", next.Name).
			Msg("auto-enqueue to next stage failed")
	}
}

// OnFailed logs a stage failure. There is no automatic downstream effect:
// the job is already in Failed, and only an explicit retry re-enters the
// pipeline at stage 1.
func (d *Dispatcher) OnFailed(_ context.Context, stageName, jobID string, cause error) {
	xlog.WithComponent("queue").Warn().
		Str("job_id", jobID).Str("stage", stageName).Err(cause).
		Msg("stage failed")
}

// Shutdown stops accepting new queue items and waits for in-flight stage
// work to finish or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()

	for _, rt := range d.stages {
		if rt.sub != nil {
			_ = rt.sub.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
