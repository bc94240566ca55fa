package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"driveline/internal/domain"
	"driveline/internal/engine"
)

const defaultPollInterval = 2 * time.Second

// Terminator is the capability used to tear down the process on
// cancellation. Goal execution may run in a disposable worker whose
// sole purpose is one goal; immediate exit is the intended unwind.
type Terminator interface {
	Exit(code int)
}

// OSTerminator exits the current process.
type OSTerminator struct{}

func (OSTerminator) Exit(code int) { os.Exit(code) }

// Worker drives the engine from the store's change feed: it verifies
// incoming records, re-evaluates the dependency graph, and executes
// requested goals whose fulfillment resolves locally.
type Worker struct {
	Engine     engine.Engine
	Registry   *Registry
	ProjectDir string
	Terminator Terminator
	Interval   time.Duration
	Logger     *log.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	cursor   int64
	wg       sync.WaitGroup
}

func (w *Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Run polls the change feed until the context is done. Each handler
// pass is independent: two goals completing near-simultaneously each
// trigger their own full evaluation of the goal-set.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	cursor, err := w.Engine.Repo.LatestEventID(ctx, "")
	if err != nil {
		return fmt.Errorf("init change-feed cursor: %w", err)
	}
	w.cursor = cursor
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer w.wg.Wait()
	for {
		if err := w.Drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until all in-flight goal executions finish.
func (w *Worker) Wait() { w.wg.Wait() }

// Drain processes all change-feed entries past the cursor once.
// Exported so tests and one-shot CLI invocations can step the worker
// without the polling loop.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		batch, err := w.Engine.Repo.EventsAfter(ctx, 100, w.cursor, "")
		if err != nil {
			return fmt.Errorf("fetch change feed: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, evt := range batch {
			if err := w.handle(ctx, evt); err != nil {
				return err
			}
			w.cursor = evt.ID
		}
	}
}

func (w *Worker) handle(ctx context.Context, evt domain.Event) error {
	if evt.EntityKind != "goal" {
		return nil
	}
	key, err := domain.ParseGoalKey(evt.EntityID)
	if err != nil {
		w.logger().Printf("worker: malformed goal event entity %q: %v", evt.EntityID, err)
		return nil
	}
	g, err := w.Engine.Repo.GetGoal(ctx, evt.GoalSetID, key)
	if err != nil {
		return fmt.Errorf("load goal %s: %w", key, err)
	}

	if g.State == domain.Canceled && w.executing(evt.GoalSetID, key) {
		w.logger().Printf("worker: goal %s canceled while executing, terminating", key)
		w.terminator().Exit(2)
		return nil
	}

	// Trust boundary: a forged or unsigned record halts processing of
	// this event, it is never silently dropped or retried.
	if err := w.Engine.VerifyIncoming(ctx, g, "worker"); err != nil {
		return fmt.Errorf("rejecting goal %s: %w", key, err)
	}

	updates, err := w.Engine.OnGoalChanged(ctx, g)
	if err != nil {
		return err
	}
	if err := w.Engine.Apply(ctx, updates, "worker"); err != nil {
		return err
	}

	if g.State == domain.Requested {
		return w.dispatch(ctx, g)
	}
	return nil
}

// dispatch executes one requested goal if its fulfillment resolves to
// a local executor. Side-effect fulfillments belong to some external
// process and sdm fulfillments without a local registration belong to
// a remote scheduler; both are left alone.
func (w *Worker) dispatch(ctx context.Context, g domain.Goal) error {
	if g.Fulfillment.Method == domain.FulfillmentSideEffect {
		return nil
	}
	ex, ok := w.Registry.Resolve(g.Fulfillment.Name)
	if !ok {
		return nil
	}

	gs, err := w.Engine.Repo.GetGoalSet(ctx, g.GoalSetID)
	if err != nil {
		return fmt.Errorf("load goal set %s: %w", g.GoalSetID, err)
	}

	// Re-read before claiming: a sibling evaluation pass may have
	// already advanced this goal.
	g, err = w.Engine.Repo.GetGoal(ctx, g.GoalSetID, g.Key())
	if err != nil {
		return err
	}
	if g.State != domain.Requested {
		return nil
	}
	g, err = w.Engine.UpdateGoalState(ctx, g, domain.InProcess, fmt.Sprintf("executing %s", g.Fulfillment.Name), "worker")
	if err != nil {
		// The append-only store rejects conflicting versions; losing
		// the claim race means another worker took the goal.
		w.logger().Printf("worker: could not claim %s: %v", g.Key(), err)
		return nil
	}

	w.setExecuting(g.GoalSetID, g.Key())

	inv := Invocation{
		Goal:          g,
		GoalSet:       gs,
		ProjectDir:    w.ProjectDir,
		CorrelationID: uuid.New().String(),
	}

	// Execution runs off the drain loop so cancellation notifications
	// for this goal can still be observed while it is in flight.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.clearExecuting(g.GoalSetID, g.Key())
		result, execErr := ex.Execute(ctx, inv)

		var err error
		switch {
		case execErr != nil:
			_, err = w.Engine.UpdateGoalState(ctx, g, domain.Failure, fmt.Sprintf("%s failed: %v", g.Fulfillment.Name, execErr), "worker")
		case result.Code != 0:
			desc := result.Message
			if desc == "" {
				desc = fmt.Sprintf("%s exited with code %d", g.Fulfillment.Name, result.Code)
			}
			_, err = w.Engine.UpdateGoalState(ctx, g, domain.Failure, desc, "worker")
		case g.ApprovalRequired:
			_, err = w.Engine.UpdateGoalState(ctx, g, domain.WaitingForApproval, "completed, awaiting approval", "worker")
		default:
			desc := result.Message
			if desc == "" {
				desc = fmt.Sprintf("%s completed", g.Fulfillment.Name)
			}
			_, err = w.Engine.UpdateGoalState(ctx, g, domain.Success, desc, "worker")
		}
		if err != nil {
			w.logger().Printf("worker: recording result for %s: %v", g.Key(), err)
		}
	}()
	return nil
}

func (w *Worker) terminator() Terminator {
	if w.Terminator != nil {
		return w.Terminator
	}
	return OSTerminator{}
}

// Executions run concurrently, so in-flight goals are tracked per
// goal, not as a single slot; each execution goroutine removes only
// its own entry.
func inflightKey(goalSetID string, key domain.GoalKey) string {
	return goalSetID + " " + key.String()
}

func (w *Worker) setExecuting(goalSetID string, key domain.GoalKey) {
	w.mu.Lock()
	if w.inflight == nil {
		w.inflight = make(map[string]struct{})
	}
	w.inflight[inflightKey(goalSetID, key)] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) clearExecuting(goalSetID string, key domain.GoalKey) {
	w.mu.Lock()
	delete(w.inflight, inflightKey(goalSetID, key))
	w.mu.Unlock()
}

func (w *Worker) executing(goalSetID string, key domain.GoalKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.inflight[inflightKey(goalSetID, key)]
	return ok
}
