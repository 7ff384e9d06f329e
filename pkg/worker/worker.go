// Package worker implements the process-wide dispatcher: it polls the
// Store for claimable workflow runs, maintains a bounded pool of
// in-flight processors, heartbeats their leases, and shuts down
// gracefully. It is the only piece of this module that owns
// goroutines; pkg/workflow stays synchronous and testable on its own.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/durably-dev/durably/internal/metrics"
	"github.com/durably-dev/durably/internal/retry"
	"github.com/durably-dev/durably/internal/store"
	"github.com/durably-dev/durably/internal/tracing"
	"github.com/durably-dev/durably/pkg/workflow"
)

// Config configures a Worker. Zero values are replaced by defaults in
// New.
type Config struct {
	NamespaceID   string
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	Workflows     []*workflow.Workflow
}

// DefaultConfig matches the dispatcher's documented defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:   1,
		PollInterval:  100 * time.Millisecond,
		LeaseDuration: 30 * time.Second,
	}
}

// registryKey identifies a registered workflow by name and optional
// version, mirroring the run lookup done at claim time.
type registryKey struct {
	name    string
	version string
}

// Worker polls Store, runs claimed workflow runs through
// workflow.RunProcessor, and keeps their leases alive until they
// suspend or finish.
type Worker struct {
	store         store.Store
	namespaceID   string
	pollInterval  time.Duration
	leaseDuration time.Duration
	registry      map[registryKey]*workflow.Workflow

	workerIDs []string

	mu     sync.Mutex
	active map[string]context.CancelFunc // workerID -> cancel for its heartbeat+processor
	wg     sync.WaitGroup

	runningMu sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New builds a Worker bound to st. hostname-derived worker IDs are
// allocated immediately so tick() and start() can be used
// interchangeably without reinitializing identity.
func New(st store.Store, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	namespaceID := cfg.NamespaceID
	if namespaceID == "" {
		namespaceID = store.DefaultNamespace
	}

	registry := make(map[registryKey]*workflow.Workflow, len(cfg.Workflows))
	for _, w := range cfg.Workflows {
		registry[keyOf(w.Name, w.Version)] = w
	}

	hostname, _ := os.Hostname()
	workerIDs := make([]string, cfg.Concurrency)
	for i := range workerIDs {
		workerIDs[i] = fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
	}

	return &Worker{
		store:         st,
		namespaceID:   namespaceID,
		pollInterval:  cfg.PollInterval,
		leaseDuration: cfg.LeaseDuration,
		registry:      registry,
		workerIDs:     workerIDs,
		active:        make(map[string]context.CancelFunc),
	}
}

func keyOf(name string, version *string) registryKey {
	v := ""
	if version != nil {
		v = *version
	}
	return registryKey{name: name, version: v}
}

// Start runs the main loop until ctx is canceled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.runningMu.Lock()
	if w.running {
		w.runningMu.Unlock()
		return fmt.Errorf("worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.runningMu.Unlock()

	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-w.stopCh:
			return w.shutdown()
		default:
		}

		claimed := w.tick(ctx)
		if claimed == 0 {
			select {
			case <-ctx.Done():
				return w.shutdown()
			case <-w.stopCh:
				return w.shutdown()
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// shutdown waits for every in-flight processor to finish before
// marking the worker stopped. Heartbeats stop only after processors
// do, since each processor's cleanup path cancels its own heartbeat.
func (w *Worker) shutdown() error {
	w.wg.Wait()
	w.setRunning(false)
	return nil
}

func (w *Worker) setRunning(v bool) {
	w.runningMu.Lock()
	w.running = v
	w.runningMu.Unlock()
}

// Stop requests graceful shutdown: no further claims are issued, and
// Stop blocks until every in-flight processor (and its heartbeat) has
// finished.
func (w *Worker) Stop() {
	w.runningMu.Lock()
	if !w.running {
		w.runningMu.Unlock()
		return
	}
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.runningMu.Unlock()

	close(stopCh)
	<-doneCh
}

// tick performs one synchronous "poll + dispatch" cycle: claim up to
// the number of free slots, and for each successful claim spawn a
// background processor bound to that slot. It returns the number of
// runs claimed this cycle. Exposed for tests that want deterministic
// single-step control instead of Start's timed loop.
func (w *Worker) tick(ctx context.Context) int {
	idle := w.idleWorkerIDs()
	if len(idle) == 0 {
		return 0
	}

	type claimResult struct {
		workerID string
		run      *store.WorkflowRun
		err      error
	}
	results := make(chan claimResult, len(idle))
	for _, workerID := range idle {
		workerID := workerID
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			run, err := w.store.ClaimWorkflowRun(ctx, w.namespaceID, workerID, w.leaseDuration)
			if err != nil {
				metrics.RecordClaim("error")
			} else if run != nil {
				metrics.RecordClaim("claimed")
			}
			results <- claimResult{workerID: workerID, run: run, err: err}
		}()
	}

	claimed := 0
	for range idle {
		res := <-results
		if res.err != nil {
			log.Printf("worker: claim failed: %v", res.err)
			continue
		}
		if res.run == nil {
			continue
		}
		claimed++
		w.dispatch(ctx, res.workerID, res.run)
	}
	if claimed == 0 {
		metrics.RecordPollEmpty()
	}
	return claimed
}

// idleWorkerIDs returns the worker IDs not currently bound to an
// active processor.
func (w *Worker) idleWorkerIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	idle := make([]string, 0, len(w.workerIDs))
	for _, id := range w.workerIDs {
		if _, busy := w.active[id]; !busy {
			idle = append(idle, id)
		}
	}
	return idle
}

// dispatch looks up the registered workflow for run and either fails
// it immediately (unregistered) or spawns a background processor task
// bound to workerID's slot, with a heartbeat timer alongside it.
func (w *Worker) dispatch(ctx context.Context, workerID string, run *store.WorkflowRun) {
	def, ok := w.registry[keyOf(run.WorkflowName, run.Version)]
	if !ok {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			message := fmt.Sprintf("No workflow registered for name %q", run.WorkflowName)
			if run.Version != nil {
				message = fmt.Sprintf("No workflow registered for name %q version %q", run.WorkflowName, *run.Version)
			}
			// A single-attempt policy makes this failure terminal.
			policy := retry.DefaultPolicy()
			policy.MaximumAttempts = 1
			if _, err := w.store.FailWorkflowRun(ctx, w.namespaceID, run.ID, workerID, store.JSON{"message": message}, policy); err != nil {
				log.Printf("worker: failed to fail unregistered run %s: %v", run.ID, err)
			}
		}()
		return
	}

	slotCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.active[workerID] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	metrics.ProcessorStarted()
	go func() {
		defer w.wg.Done()
		defer func() {
			cancel()
			w.mu.Lock()
			delete(w.active, workerID)
			w.mu.Unlock()
			metrics.ProcessorFinished()
		}()

		heartbeatDone := make(chan struct{})
		go func() {
			defer close(heartbeatDone)
			w.heartbeatLoop(slotCtx, workerID, run.ID)
		}()

		runCtx, span := tracing.WorkerTracer().Start(ctx, "worker.processRun",
			trace.WithAttributes(
				attribute.String("workflow.run_id", run.ID),
				attribute.String("workflow.name", run.WorkflowName),
			))
		processor := &workflow.RunProcessor{Store: w.store, Run: run, Def: def}
		if err := processor.Process(runCtx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Printf("worker: processor error for run %s: %v", run.ID, err)
		}
		span.End()

		cancel()
		<-heartbeatDone
	}()
}

// heartbeatLoop extends workerID's lease on run every leaseDuration/2
// until slotCtx is canceled, which happens as soon as the processor
// returns (successfully or not). Errors are logged and ignored: the
// next successful tick recovers, and a lease that truly expires just
// makes the run reclaimable again.
func (w *Worker) heartbeatLoop(slotCtx context.Context, workerID, runID string) {
	interval := w.leaseDuration / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-slotCtx.Done():
			return
		case <-ticker.C:
			if _, err := w.store.ExtendWorkflowRunLease(slotCtx, w.namespaceID, runID, workerID, w.leaseDuration); err != nil {
				metrics.RecordHeartbeatError()
				log.Printf("worker: heartbeat failed for run %s: %v", runID, err)
			}
		}
	}
}
