package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"driveline/internal/db"
	"driveline/internal/domain"
	"driveline/internal/engine"
	"driveline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, "reg-1", "dl-test", "0.0.0")
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func testPush() domain.Push {
	return domain.Push{Provider: "github", Owner: "acme", Repo: "shop", Branch: "main", SHA: "abc123"}
}

func goal(name string, pres ...string) domain.Goal {
	g := domain.Goal{
		UniqueName:  name,
		Environment: "ci",
		Fulfillment: domain.Fulfillment{Method: domain.FulfillmentSDM, Name: name},
	}
	for _, p := range pres {
		g.PreConditions = append(g.PreConditions, domain.GoalKey{Environment: "ci", UniqueName: p})
	}
	return g
}

func key(name string) domain.GoalKey {
	return domain.GoalKey{Environment: "ci", UniqueName: name}
}

func (env testEnv) plan(t *testing.T, goals ...domain.Goal) string {
	t.Helper()
	gs, _, err := env.Engine.PlanGoalSet(env.Ctx, testPush(), goals, "tester")
	if err != nil {
		t.Fatalf("plan goal set: %v", err)
	}
	return gs.ID
}

func (env testEnv) get(t *testing.T, gsID, name string) domain.Goal {
	t.Helper()
	g, err := env.Engine.Repo.GetGoal(env.Ctx, gsID, key(name))
	if err != nil {
		t.Fatalf("get goal %s: %v", name, err)
	}
	return g
}

func (env testEnv) transition(t *testing.T, gsID, name string, state domain.GoalState) domain.Goal {
	t.Helper()
	g := env.get(t, gsID, name)
	g, err := env.Engine.UpdateGoalState(env.Ctx, g, state, "test transition", "tester")
	if err != nil {
		t.Fatalf("transition %s to %s: %v", name, state, err)
	}
	return g
}

func (env testEnv) notify(t *testing.T, gsID, name string) {
	t.Helper()
	g := env.get(t, gsID, name)
	updates, err := env.Engine.OnGoalChanged(env.Ctx, g)
	if err != nil {
		t.Fatalf("on goal changed %s: %v", name, err)
	}
	if err := env.Engine.Apply(env.Ctx, updates, "tester"); err != nil {
		t.Fatalf("apply updates for %s: %v", name, err)
	}
}

func TestPlanRequestsRootsOnly(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t, goal("build"), goal("test", "build"))

	if got := env.get(t, gsID, "build").State; got != domain.Requested {
		t.Fatalf("root state = %s, want requested", got)
	}
	if got := env.get(t, gsID, "test").State; got != domain.Planned {
		t.Fatalf("dependent state = %s, want planned", got)
	}
}

func TestUnblockRequiresAllPreconditions(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t, goal("build"), goal("lint"), goal("deploy", "build", "lint"))

	env.transition(t, gsID, "build", domain.Success)
	env.notify(t, gsID, "build")
	if got := env.get(t, gsID, "deploy").State; got != domain.Planned {
		t.Fatalf("deploy after one precondition = %s, want planned", got)
	}

	env.transition(t, gsID, "lint", domain.Success)
	env.notify(t, gsID, "lint")
	if got := env.get(t, gsID, "deploy").State; got != domain.Requested {
		t.Fatalf("deploy after both preconditions = %s, want requested", got)
	}
}

func TestSkippedCountsAsSatisfied(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t, goal("build"), goal("deploy", "build"))

	env.transition(t, gsID, "build", domain.Skipped)
	env.notify(t, gsID, "build")
	if got := env.get(t, gsID, "deploy").State; got != domain.Requested {
		t.Fatalf("deploy after skipped precondition = %s, want requested", got)
	}
}

func TestTransitiveSkipOnFailure(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t,
		goal("build"),
		goal("test", "build"),
		goal("deploy", "test"),
		goal("lint"),
	)

	env.transition(t, gsID, "build", domain.Failure)
	env.notify(t, gsID, "build")

	for _, name := range []string{"test", "deploy"} {
		g := env.get(t, gsID, name)
		if g.State != domain.Skipped {
			t.Fatalf("%s state = %s, want skipped", name, g.State)
		}
		if !strings.Contains(g.Description, "ci/build") {
			t.Fatalf("%s description %q does not name the failed goal", name, g.Description)
		}
	}
	// Unrelated root is untouched.
	if got := env.get(t, gsID, "lint").State; got != domain.Requested {
		t.Fatalf("lint state = %s, want requested", got)
	}
}

func TestSkipWalkTerminatesOnCyclicPreconditions(t *testing.T) {
	env := newTestEnv(t)
	// b and c form a precondition cycle below a. The walk must not
	// recurse forever.
	a := goal("a")
	b := goal("b", "a", "c")
	c := goal("c", "b")
	gsID := env.plan(t, a, b, c)

	env.transition(t, gsID, "a", domain.Failure)
	env.notify(t, gsID, "a")

	if got := env.get(t, gsID, "b").State; got != domain.Skipped {
		t.Fatalf("b state = %s, want skipped", got)
	}
	if got := env.get(t, gsID, "c").State; got != domain.Skipped {
		t.Fatalf("c state = %s, want skipped", got)
	}
}

func TestSkippedEventDoesNotReactivateDependents(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t,
		goal("build"),
		goal("test", "build"),
		goal("deploy", "test"),
	)

	env.transition(t, gsID, "build", domain.Failure)
	env.notify(t, gsID, "build")
	if got := env.get(t, gsID, "deploy").State; got != domain.Skipped {
		t.Fatalf("deploy state = %s, want skipped", got)
	}

	// The propagated skips emit their own change events. Processing
	// them must not revive goals downstream of the failure.
	env.notify(t, gsID, "test")
	if got := env.get(t, gsID, "deploy").State; got != domain.Skipped {
		t.Fatalf("deploy after test's skipped event = %s, want skipped", got)
	}
	env.notify(t, gsID, "deploy")
	if got := env.get(t, gsID, "test").State; got != domain.Skipped {
		t.Fatalf("test after deploy's skipped event = %s, want skipped", got)
	}

	// A real recovery upstream does revive the chain.
	env.transition(t, gsID, "build", domain.Success)
	env.notify(t, gsID, "build")
	if got := env.get(t, gsID, "test").State; got != domain.Requested {
		t.Fatalf("test after build succeeds = %s, want requested", got)
	}
}

func TestNoDoubleDispatch(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t, goal("build"), goal("lint"), goal("deploy", "build", "lint"))

	env.transition(t, gsID, "build", domain.Success)
	env.transition(t, gsID, "lint", domain.Success)

	// Both completions trigger their own evaluation pass; only the
	// first may request deploy.
	env.notify(t, gsID, "build")
	versions, err := env.Engine.Repo.GoalVersionCount(env.Ctx, gsID, key("deploy"))
	if err != nil {
		t.Fatal(err)
	}
	env.notify(t, gsID, "lint")
	after, err := env.Engine.Repo.GoalVersionCount(env.Ctx, gsID, key("deploy"))
	if err != nil {
		t.Fatal(err)
	}
	if after != versions {
		t.Fatalf("second evaluation re-requested deploy: %d -> %d versions", versions, after)
	}
	if got := env.get(t, gsID, "deploy").State; got != domain.Requested {
		t.Fatalf("deploy state = %s, want requested", got)
	}
}

func TestUnresolvablePreconditionSkips(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t, goal("build"), goal("deploy", "build", "ghost"))

	env.transition(t, gsID, "build", domain.Success)
	env.notify(t, gsID, "build")

	g := env.get(t, gsID, "deploy")
	if g.State != domain.Skipped {
		t.Fatalf("deploy state = %s, want skipped", g.State)
	}
	if !strings.Contains(g.Description, "ci/ghost") {
		t.Fatalf("description %q does not name the unresolvable precondition", g.Description)
	}
}

func TestRetryFeasibleReactivates(t *testing.T) {
	env := newTestEnv(t)
	retriable := goal("deploy", "build")
	retriable.RetryFeasible = true
	gsID := env.plan(t, goal("build"), retriable)

	env.transition(t, gsID, "build", domain.Success)
	env.notify(t, gsID, "build")
	env.transition(t, gsID, "deploy", domain.Failure)

	// A fresh completion of the precondition re-requests the failed
	// but retriable goal.
	env.notify(t, gsID, "build")
	if got := env.get(t, gsID, "deploy").State; got != domain.Requested {
		t.Fatalf("deploy state = %s, want requested after retry", got)
	}
}

func TestFailureWithoutRetryStaysPut(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t, goal("build"), goal("deploy", "build"))

	env.transition(t, gsID, "build", domain.Success)
	env.notify(t, gsID, "build")
	env.transition(t, gsID, "deploy", domain.Failure)

	env.notify(t, gsID, "build")
	if got := env.get(t, gsID, "deploy").State; got != domain.Failure {
		t.Fatalf("deploy state = %s, want failure", got)
	}
}

func TestPreApprovalGateOnRoot(t *testing.T) {
	env := newTestEnv(t)
	gated := goal("release")
	gated.PreApprovalRequired = true
	gsID := env.plan(t, gated)

	if got := env.get(t, gsID, "release").State; got != domain.WaitingForPreApproval {
		t.Fatalf("gated root state = %s, want waiting_for_pre_approval", got)
	}

	g, err := env.Engine.Approve(env.Ctx, gsID, key("release"), domain.Stamp{UserID: "boss", ChannelID: "cli"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if g.State != domain.Requested {
		t.Fatalf("state after pre-approval = %s, want requested", g.State)
	}
	if g.PreApproval == nil || g.PreApproval.UserID != "boss" {
		t.Fatalf("pre-approval stamp missing: %+v", g.PreApproval)
	}
}

func TestSideEffectSelfExclusion(t *testing.T) {
	env := newTestEnv(t)
	side := goal("notify", "build")
	side.Fulfillment = domain.Fulfillment{Method: domain.FulfillmentSideEffect, Name: "notify", Registration: "reg-1"}
	other := goal("audit", "build")
	other.Fulfillment = domain.Fulfillment{Method: domain.FulfillmentSideEffect, Name: "audit", Registration: "reg-2"}
	gsID := env.plan(t, goal("build"), side, other)

	env.transition(t, gsID, "build", domain.Success)
	env.notify(t, gsID, "build")

	// The engine's own registration never self-unblocks a side-effect
	// goal; a foreign registration is fair game.
	if got := env.get(t, gsID, "notify").State; got != domain.Planned {
		t.Fatalf("own-registration side effect = %s, want planned", got)
	}
	if got := env.get(t, gsID, "audit").State; got != domain.Requested {
		t.Fatalf("foreign-registration side effect = %s, want requested", got)
	}
}

func TestCancelGoal(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t, goal("build"))

	g, err := env.Engine.CancelGoal(env.Ctx, gsID, key("build"), "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if g.State != domain.Canceled {
		t.Fatalf("state = %s, want canceled", g.State)
	}
	if _, err := env.Engine.CancelGoal(env.Ctx, gsID, key("build"), "tester"); err == nil {
		t.Fatal("expected error canceling a terminal goal")
	}
}

func TestUpdateGoalStateAppendsVersions(t *testing.T) {
	env := newTestEnv(t)
	gsID := env.plan(t, goal("build"))

	before, err := env.Engine.Repo.GoalVersionCount(env.Ctx, gsID, key("build"))
	if err != nil {
		t.Fatal(err)
	}
	env.transition(t, gsID, "build", domain.InProcess)
	env.transition(t, gsID, "build", domain.Success)
	after, err := env.Engine.Repo.GoalVersionCount(env.Ctx, gsID, key("build"))
	if err != nil {
		t.Fatal(err)
	}
	if after != before+2 {
		t.Fatalf("version count %d -> %d, want +2", before, after)
	}
	g := env.get(t, gsID, "build")
	if len(g.Provenance) != int(g.Version) {
		t.Fatalf("provenance entries = %d, want one per version (%d)", len(g.Provenance), g.Version)
	}
}

func TestFulfillmentCallbackRunsBeforeRequest(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Callbacks = append(env.Engine.Callbacks, func(ctx context.Context, g domain.Goal, all []domain.Goal) (domain.Goal, error) {
		g.Data = `{"injected":true}`
		return g, nil
	})
	gsID := env.plan(t, goal("build"))

	g := env.get(t, gsID, "build")
	if g.State != domain.Requested {
		t.Fatalf("state = %s, want requested", g.State)
	}
	if g.Data != `{"injected":true}` {
		t.Fatalf("callback did not run: data = %q", g.Data)
	}
}
