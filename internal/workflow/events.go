package workflow

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// TriggerName is the event that starts one generation run.
const TriggerName = "code-agent/run"

// Trigger is the external event consumed by the orchestrator. Value is the
// new user prompt; ProjectID scopes context loading and persistence. RunID is
// assigned at enqueue time and stays stable across retries, which is what
// makes step checkpoints addressable.
type Trigger struct {
	RunID     string `json:"run_id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	ProjectID string `json:"project_id"`
}

// Dispatcher schedules runs as independent units of work. Triggers are hashed
// to a fixed worker by project id, so two runs for the same project can never
// interleave: later messages for a project queue behind earlier ones.
type Dispatcher struct {
	engine  *Engine
	queues  []chan Trigger
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewDispatcher creates a dispatcher with the given worker count and
// per-worker queue capacity.
func NewDispatcher(engine *Engine, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	d := &Dispatcher{engine: engine}
	for i := 0; i < workers; i++ {
		d.queues = append(d.queues, make(chan Trigger, queueSize))
	}
	return d
}

// Start launches the worker goroutines. They drain their queues until ctx is
// cancelled and the queues are closed.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, queue := range d.queues {
		d.wg.Add(1)
		go func(worker int, queue chan Trigger) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					slog.Info("Workflow worker shutting down", "worker", worker, "reason", ctx.Err())
					return
				case trigger, ok := <-queue:
					if !ok {
						return
					}
					d.run(ctx, worker, trigger)
				}
			}
		}(i, queue)
	}
	slog.Info("Workflow dispatcher started", "workers", len(d.queues))
}

func (d *Dispatcher) run(ctx context.Context, worker int, trigger Trigger) {
	slog.Info("Workflow run starting",
		"worker", worker,
		"run_id", trigger.RunID,
		"project_id", trigger.ProjectID,
	)
	if _, err := d.engine.Execute(ctx, trigger); err != nil {
		slog.Error("Workflow run failed",
			"error", err,
			"run_id", trigger.RunID,
			"project_id", trigger.ProjectID,
		)
		return
	}
	slog.Info("Workflow run finished", "run_id", trigger.RunID, "project_id", trigger.ProjectID)
}

// Enqueue schedules a trigger. Returns false if the dispatcher has been
// closed or the project's worker queue is full; callers surface that as
// back-pressure rather than waiting.
func (d *Dispatcher) Enqueue(trigger Trigger) bool {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queues[d.workerFor(trigger.ProjectID)] <- trigger:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) workerFor(projectID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Close stops accepting triggers and waits for in-flight runs to drain.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.closeMu.Unlock()
	d.wg.Wait()
}
