package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"driveline/internal/db"
	"driveline/internal/domain"
	"driveline/internal/events"
	"driveline/internal/migrate"
	"driveline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func seedGoalSet(t *testing.T, r repo.Repo, conn *sql.DB, id string) domain.GoalSet {
	t.Helper()
	gs := domain.GoalSet{
		ID:        id,
		Push:      domain.Push{Provider: "github", Owner: "acme", Repo: "shop", Branch: "main", SHA: "abc123"},
		CreatedAt: "2024-01-01T00:00:00Z",
	}
	err := inTx(t, conn, func(tx *sql.Tx) error {
		return r.InsertGoalSet(context.Background(), tx, gs)
	})
	if err != nil {
		t.Fatalf("insert goal set: %v", err)
	}
	return gs
}

func version(gs domain.GoalSet, name string, v int64, state domain.GoalState) domain.Goal {
	return domain.Goal{
		GoalSetID:   gs.ID,
		Environment: "ci",
		UniqueName:  name,
		State:       state,
		Push:        gs.Push,
		Version:     v,
		TS:          "2024-01-01T00:00:00Z",
	}
}

func TestGoalVersionsAreAppendOnly(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	gs := seedGoalSet(t, r, conn, "gs-1")

	for v, state := range map[int64]domain.GoalState{
		1: domain.Planned, 2: domain.Requested, 3: domain.InProcess,
	} {
		err := inTx(t, conn, func(tx *sql.Tx) error {
			return r.InsertGoalVersion(ctx, tx, version(gs, "build", v, state))
		})
		if err != nil {
			t.Fatalf("insert v%d: %v", v, err)
		}
	}

	// A conflicting version is rejected by the store, which is the
	// single-writer-per-transition guarantee.
	err := inTx(t, conn, func(tx *sql.Tx) error {
		return r.InsertGoalVersion(ctx, tx, version(gs, "build", 3, domain.Success))
	})
	if err == nil {
		t.Fatal("expected conflict inserting duplicate version")
	}

	g, err := r.GetGoal(ctx, gs.ID, domain.GoalKey{Environment: "ci", UniqueName: "build"})
	if err != nil {
		t.Fatal(err)
	}
	if g.Version != 3 || g.State != domain.InProcess {
		t.Fatalf("latest = v%d %s, want v3 in_process", g.Version, g.State)
	}
	n, err := r.GoalVersionCount(ctx, gs.ID, g.Key())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("version count = %d, want 3", n)
	}
}

func TestFetchGoalsReturnsLatestVersions(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	gs := seedGoalSet(t, r, conn, "gs-1")

	err := inTx(t, conn, func(tx *sql.Tx) error {
		for _, g := range []domain.Goal{
			version(gs, "build", 1, domain.Planned),
			version(gs, "build", 2, domain.Success),
			version(gs, "test", 1, domain.Planned),
		} {
			if err := r.InsertGoalVersion(ctx, tx, g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	goals, err := r.FetchGoalsForGoalSet(ctx, gs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(goals) != 2 {
		t.Fatalf("goals = %d, want 2", len(goals))
	}
	states := map[string]domain.GoalState{}
	for _, g := range goals {
		states[g.UniqueName] = g.State
	}
	if states["build"] != domain.Success || states["test"] != domain.Planned {
		t.Fatalf("states = %v", states)
	}
}

func TestGetGoalNotFound(t *testing.T) {
	r, conn := newTestRepo(t)
	gs := seedGoalSet(t, r, conn, "gs-1")
	_, err := r.GetGoal(context.Background(), gs.ID, domain.GoalKey{Environment: "ci", UniqueName: "ghost"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEventFeedCursor(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	seedGoalSet(t, r, conn, "gs-1")
	seedGoalSet(t, r, conn, "gs-2")

	w := events.Writer{DB: conn}
	err := inTx(t, conn, func(tx *sql.Tx) error {
		for _, e := range []struct{ gsID, entity string }{
			{"gs-1", "ci/a"}, {"gs-2", "ci/b"}, {"gs-1", "ci/c"},
		} {
			if err := w.Append(ctx, tx, "goal.updated", e.gsID, "goal", e.entity, "tester", events.EventPayload{"to_state": "success"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := r.EventsAfter(ctx, 10, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("events = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("feed not monotonically increasing: %v", all)
		}
	}

	rest, err := r.EventsAfter(ctx, 10, all[0].ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("events after cursor = %d, want 2", len(rest))
	}

	scoped, err := r.EventsAfter(ctx, 10, 0, "gs-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 2 {
		t.Fatalf("gs-1 events = %d, want 2", len(scoped))
	}

	latest, err := r.LatestEventID(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if latest != all[2].ID {
		t.Fatalf("latest = %d, want %d", latest, all[2].ID)
	}
}

func TestLatestEventsFilters(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	seedGoalSet(t, r, conn, "gs-1")

	w := events.Writer{DB: conn}
	err := inTx(t, conn, func(tx *sql.Tx) error {
		if err := w.Append(ctx, tx, "goal.planned", "gs-1", "goal", "ci/a", "tester", nil); err != nil {
			return err
		}
		return w.Append(ctx, tx, "goal.updated", "gs-1", "goal", "ci/a", "tester", nil)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.LatestEvents(ctx, 10, "gs-1", "goal.planned", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != "goal.planned" {
		t.Fatalf("filtered events = %v", got)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := r.InsertAPIKey(ctx, "alice", "ci-bot", "secret-value")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	found, err := r.LookupAPIKey(ctx, "secret-value")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != created.ID || found.ActorID != "alice" {
		t.Fatalf("lookup = %+v", found)
	}
	if _, err := r.LookupAPIKey(ctx, "wrong"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
