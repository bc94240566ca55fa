package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"driveline/internal/domain"
	"driveline/internal/events"
	"driveline/internal/repo"
	"driveline/internal/sign"
)

// FulfillmentCallback may mutate a goal's parameters (typically Data)
// just before it is requested, e.g. to attach newly available cache
// classifiers. Callbacks run in registration order; an error fails the
// evaluation and is propagated, never swallowed.
type FulfillmentCallback func(ctx context.Context, g domain.Goal, all []domain.Goal) (domain.Goal, error)

// GoalUpdate describes one intended store update: transition Goal to
// State with Description. The evaluator returns these as data so the
// decision can be tested without touching the store.
type GoalUpdate struct {
	Goal        domain.Goal
	State       domain.GoalState
	Description string
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer

	// Registration/ProcessName/ProcessVersion identify this process in
	// provenance entries and in the side-effect self-exclusion gate.
	Registration   string
	ProcessName    string
	ProcessVersion string

	// Signer, when set, signs every outgoing record at the store-update
	// boundary. Verifier, when set, enforces signatures on incoming
	// change notifications.
	Signer   *sign.Signer
	Verifier *sign.Verifier

	Callbacks []FulfillmentCallback

	Voters   []Voter
	Decision DecisionManager

	Now func() time.Time
}

func New(db *sql.DB, registration, name, version string) Engine {
	return Engine{
		DB:             db,
		Repo:           repo.Repo{DB: db},
		Events:         events.Writer{DB: db},
		Registration:   registration,
		ProcessName:    name,
		ProcessVersion: version,
		Now:            time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// PlanGoalSet creates a goal-set for a push: all goals are inserted as
// planned (version 1), then root goals are requested. Returns the
// stored goal-set and the current goal records.
func (e Engine) PlanGoalSet(ctx context.Context, push domain.Push, goals []domain.Goal, actorID string) (domain.GoalSet, []domain.Goal, error) {
	if push.Owner == "" || push.Repo == "" || push.SHA == "" {
		return domain.GoalSet{}, nil, errors.New("push owner, repo and sha are required")
	}
	if len(goals) == 0 {
		return domain.GoalSet{}, nil, errors.New("goal-set needs at least one goal")
	}
	seen := make(map[domain.GoalKey]bool, len(goals))
	for _, g := range goals {
		if g.UniqueName == "" || g.Environment == "" {
			return domain.GoalSet{}, nil, fmt.Errorf("goal %q needs environment and unique name", g.Name)
		}
		if seen[g.Key()] {
			return domain.GoalSet{}, nil, fmt.Errorf("duplicate goal key %s", g.Key())
		}
		seen[g.Key()] = true
	}
	now := e.now().UTC().Format(time.RFC3339)
	gs := domain.GoalSet{
		ID:        uuid.New().String(),
		Push:      push,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return gs, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertGoalSet(ctx, tx, gs); err != nil {
		return gs, nil, fmt.Errorf("insert goal set: %w", err)
	}
	for i := range goals {
		g := goals[i]
		g.GoalSetID = gs.ID
		g.Push = push
		g.State = domain.Planned
		g.Version = 1
		g.TS = now
		g.Provenance = append(g.Provenance, e.provenance())
		g = e.signIfConfigured(g)
		if err := e.Repo.InsertGoalVersion(ctx, tx, g); err != nil {
			return gs, nil, fmt.Errorf("insert goal %s: %w", g.Key(), err)
		}
		if err := e.Events.Append(ctx, tx, "goal.planned", gs.ID, "goal", g.Key().String(), actorID, events.EventPayload{"state": g.State}); err != nil {
			return gs, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return gs, nil, err
	}

	// Seed the graph: roots become requested (or pre-approval-gated).
	current, err := e.Repo.FetchGoalsForGoalSet(ctx, gs.ID)
	if err != nil {
		return gs, nil, err
	}
	var updates []GoalUpdate
	for _, g := range current {
		if !g.Root() {
			continue
		}
		updates = append(updates, GoalUpdate{Goal: g, State: requestTarget(g), Description: "ready to run"})
	}
	if err := e.Apply(ctx, updates, actorID); err != nil {
		return gs, nil, err
	}
	current, err = e.Repo.FetchGoalsForGoalSet(ctx, gs.ID)
	return gs, current, err
}

// requestTarget is the state a satisfied goal moves to: straight to
// requested, or into the pre-approval gate when required.
func requestTarget(g domain.Goal) domain.GoalState {
	if g.PreApprovalRequired {
		return domain.WaitingForPreApproval
	}
	return domain.Requested
}

// OnGoalChanged re-fetches the changed goal's entire goal-set from the
// store and decides which sibling goals to transition. It returns the
// intended updates without issuing them; Apply persists them.
//
// Staleness is tolerated by fetching before deciding, not by locking:
// concurrent notifications each see the latest records and goals
// already requested, in process, or terminal are never re-requested.
func (e Engine) OnGoalChanged(ctx context.Context, changed domain.Goal) ([]GoalUpdate, error) {
	all, err := e.Repo.FetchGoalsForGoalSet(ctx, changed.GoalSetID)
	if err != nil {
		return nil, fmt.Errorf("fetch goal set %s: %w", changed.GoalSetID, err)
	}
	byKey := make(map[domain.GoalKey]domain.Goal, len(all))
	for _, g := range all {
		byKey[g.Key()] = g
	}

	var updates []GoalUpdate
	switch {
	case changed.State.SuccessEquivalent():
		updates = e.unblock(changed, all, byKey)
	case changed.State == domain.Failure, changed.State == domain.Stopped, changed.State == domain.Canceled:
		updates = skipDependents(changed, all, byKey)
	}
	return updates, nil
}

// unblock finds goals whose preconditions include the changed goal and
// are now fully satisfied, and moves them toward requested.
func (e Engine) unblock(changed domain.Goal, all []domain.Goal, byKey map[domain.GoalKey]domain.Goal) []GoalUpdate {
	var updates []GoalUpdate
	for _, g := range all {
		if !dependsOn(g, changed.Key()) {
			continue
		}
		if !reactivatable(g, changed.State) {
			continue
		}
		if excludedByReadinessGate(g, e.Registration) {
			continue
		}
		satisfied := true
		var unresolvable *domain.GoalKey
		for _, pre := range g.PreConditions {
			dep, ok := byKey[pre]
			if !ok {
				k := pre
				unresolvable = &k
				break
			}
			if !dep.State.SuccessEquivalent() {
				satisfied = false
				break
			}
		}
		if unresolvable != nil {
			updates = append(updates, GoalUpdate{
				Goal:        g,
				State:       domain.Skipped,
				Description: fmt.Sprintf("precondition %s does not exist in this goal set", unresolvable),
			})
			continue
		}
		if !satisfied {
			continue
		}
		updates = append(updates, GoalUpdate{
			Goal:        g,
			State:       requestTarget(g),
			Description: fmt.Sprintf("unblocked by %s", changed.Key()),
		})
	}
	return updates
}

// reactivatable reports whether a goal may advance toward requested
// given the state of the precondition that just changed: fresh
// (planned), previously skipped (re-activation), or failed with retry
// allowed. Anything already requested, in process, or otherwise
// terminal stays put, so a goal is never dispatched twice.
//
// Skipped and failed goals come back only on a real success upstream.
// A skipped precondition is success-equivalent for planned goals, but
// its change event is part of a failure cascade; letting it revive an
// already-skipped dependent would restart work downstream of the
// failure that skipped it.
func reactivatable(g domain.Goal, cause domain.GoalState) bool {
	switch g.State {
	case domain.Planned:
		return true
	case domain.Skipped:
		return cause == domain.Success
	case domain.Failure:
		return g.RetryFeasible && cause == domain.Success
	}
	return false
}

// excludedByReadinessGate prevents a side-effect goal fulfilled by the
// currently running registration from self-unblocking back into this
// process. sdm and legacy "other" fulfillments are always eligible.
func excludedByReadinessGate(g domain.Goal, registration string) bool {
	if g.Fulfillment.Method != domain.FulfillmentSideEffect {
		return false
	}
	return g.Fulfillment.Registration != "" && g.Fulfillment.Registration == registration
}

func dependsOn(g domain.Goal, key domain.GoalKey) bool {
	for _, pre := range g.PreConditions {
		if pre == key {
			return true
		}
	}
	return false
}

// skipDependents transitions every still-planned goal that depends on
// the failed goal, directly or transitively, to skipped. The walk
// carries a visited set so malformed or cyclic precondition graphs
// terminate.
func skipDependents(failed domain.Goal, all []domain.Goal, byKey map[domain.GoalKey]domain.Goal) []GoalUpdate {
	affected := make(map[domain.GoalKey]bool)
	visited := make(map[domain.GoalKey]bool)
	markDependents(failed.Key(), all, affected, visited)

	var updates []GoalUpdate
	for _, g := range all {
		if !affected[g.Key()] || g.State != domain.Planned {
			continue
		}
		updates = append(updates, GoalUpdate{
			Goal:        g,
			State:       domain.Skipped,
			Description: fmt.Sprintf("skipped because %s is %s", failed.Key(), failed.State),
		})
	}
	return updates
}

func markDependents(key domain.GoalKey, all []domain.Goal, affected, visited map[domain.GoalKey]bool) {
	if visited[key] {
		return
	}
	visited[key] = true
	for _, g := range all {
		if dependsOn(g, key) && !affected[g.Key()] {
			affected[g.Key()] = true
			markDependents(g.Key(), all, affected, visited)
		}
	}
}

// Apply persists a set of intended updates. Updates that would request
// a goal first run the fulfillment callback chain; a callback error
// aborts the whole apply.
func (e Engine) Apply(ctx context.Context, updates []GoalUpdate, actorID string) error {
	for _, u := range updates {
		g := u.Goal
		if u.State == domain.Requested {
			var err error
			g, err = e.runCallbacks(ctx, g)
			if err != nil {
				return fmt.Errorf("fulfillment callback for %s: %w", g.Key(), err)
			}
		}
		if _, err := e.UpdateGoalState(ctx, g, u.State, u.Description, actorID); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) runCallbacks(ctx context.Context, g domain.Goal) (domain.Goal, error) {
	if len(e.Callbacks) == 0 {
		return g, nil
	}
	all, err := e.Repo.FetchGoalsForGoalSet(ctx, g.GoalSetID)
	if err != nil {
		return g, err
	}
	for _, cb := range e.Callbacks {
		g, err = cb(ctx, g, all)
		if err != nil {
			return g, err
		}
	}
	return g, nil
}

// UpdateGoalState appends a new record version with the given state and
// description, stamps provenance, signs when configured, and emits a
// change-feed event, all in one transaction.
func (e Engine) UpdateGoalState(ctx context.Context, g domain.Goal, state domain.GoalState, description, actorID string) (domain.Goal, error) {
	prev := g.State
	g.State = state
	if description != "" {
		g.Description = description
	}
	g.Version++
	g.TS = e.now().UTC().Format(time.RFC3339)
	g.Provenance = append(g.Provenance, e.provenance())
	g = e.signIfConfigured(g)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGoalVersion(ctx, tx, g); err != nil {
		return g, fmt.Errorf("update goal %s to %s: %w", g.Key(), state, err)
	}
	if err := e.Events.Append(ctx, tx, "goal.updated", g.GoalSetID, "goal", g.Key().String(), actorID, events.EventPayload{
		"from_state": prev,
		"to_state":   state,
	}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	return g, nil
}

// VerifyIncoming enforces the trust boundary on a goal record arriving
// from the change feed. On a missing or invalid signature the goal is
// moved to failure with the fixed rejection description and the trust
// error is returned; the caller must halt processing of the event.
func (e Engine) VerifyIncoming(ctx context.Context, g domain.Goal, actorID string) error {
	if e.Verifier == nil {
		return nil
	}
	if err := e.Verifier.Verify(g); err != nil {
		if _, updateErr := e.UpdateGoalState(ctx, g, domain.Failure, sign.RejectionDescription, actorID); updateErr != nil {
			return errors.Join(err, updateErr)
		}
		return err
	}
	return nil
}

// CancelGoal records an explicit cancellation for a non-terminal goal.
func (e Engine) CancelGoal(ctx context.Context, goalSetID string, key domain.GoalKey, actorID string) (domain.Goal, error) {
	g, err := e.Repo.GetGoal(ctx, goalSetID, key)
	if err != nil {
		return g, err
	}
	if g.State.Terminal() {
		return g, fmt.Errorf("goal %s is already %s", key, g.State)
	}
	return e.UpdateGoalState(ctx, g, domain.Canceled, fmt.Sprintf("canceled by %s", actorID), actorID)
}

func (e Engine) provenance() domain.Provenance {
	return domain.Provenance{
		Registration:  e.Registration,
		Name:          e.ProcessName,
		Version:       e.ProcessVersion,
		CorrelationID: uuid.New().String(),
		TS:            e.now().UTC().Format(time.RFC3339),
	}
}

func (e Engine) signIfConfigured(g domain.Goal) domain.Goal {
	if e.Signer == nil {
		return g
	}
	return e.Signer.Sign(g)
}
