package engine

import (
	"context"
	"fmt"
	"time"

	"driveline/internal/domain"
)

// Vote is one voter's judgement on a gated goal.
type Vote int

const (
	Abstain Vote = iota
	Granted
	Denied
)

func (v Vote) String() string {
	switch v {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	}
	return "abstain"
}

// Voter inspects a goal snapshot and yields an independent vote.
type Voter interface {
	Vote(ctx context.Context, g domain.Goal) (Vote, error)
}

// VoterFunc adapts a function to the Voter interface.
type VoterFunc func(ctx context.Context, g domain.Goal) (Vote, error)

func (f VoterFunc) Vote(ctx context.Context, g domain.Goal) (Vote, error) {
	return f(ctx, g)
}

// DecisionManager reduces a set of votes to a single decision.
type DecisionManager func(votes []Vote) Vote

// UnanimousDecision is the default policy: any Denied denies, all
// remaining votes must be Granted to grant, and Abstain counts toward
// neither requirement. No votes at all is an abstention.
func UnanimousDecision(votes []Vote) Vote {
	granted := false
	for _, v := range votes {
		switch v {
		case Denied:
			return Denied
		case Granted:
			granted = true
		}
	}
	if granted {
		return Granted
	}
	return Abstain
}

// Approve stamps a goal waiting for (pre-)approval and runs the vote.
// The stamp records who authorized the gated transition.
func (e Engine) Approve(ctx context.Context, goalSetID string, key domain.GoalKey, stamp domain.Stamp) (domain.Goal, error) {
	g, err := e.Repo.GetGoal(ctx, goalSetID, key)
	if err != nil {
		return g, err
	}
	if stamp.TS == "" {
		stamp.TS = e.now().UTC().Format(time.RFC3339)
	}
	switch g.State {
	case domain.WaitingForPreApproval:
		g.PreApproval = &stamp
		g, err = e.UpdateGoalState(ctx, g, domain.PreApproved, fmt.Sprintf("pre-approved by %s", stamp.UserID), stamp.UserID)
	case domain.WaitingForApproval:
		g.Approval = &stamp
		g, err = e.UpdateGoalState(ctx, g, domain.Approved, fmt.Sprintf("approved by %s", stamp.UserID), stamp.UserID)
	default:
		return g, fmt.Errorf("goal %s is %s, not waiting for approval", key, g.State)
	}
	if err != nil {
		return g, err
	}
	return e.EvaluateApproval(ctx, g, stamp.UserID)
}

// Veto permanently stops a goal sitting in an approval gate. Unlike a
// voter denial, which reverts to the waiting state for another attempt,
// a veto is an operator decision and terminal.
func (e Engine) Veto(ctx context.Context, goalSetID string, key domain.GoalKey, stamp domain.Stamp) (domain.Goal, error) {
	g, err := e.Repo.GetGoal(ctx, goalSetID, key)
	if err != nil {
		return g, err
	}
	switch g.State {
	case domain.WaitingForPreApproval, domain.WaitingForApproval:
		return e.UpdateGoalState(ctx, g, domain.Stopped, fmt.Sprintf("vetoed by %s", stamp.UserID), stamp.UserID)
	}
	return g, fmt.Errorf("goal %s is %s, not waiting for approval", key, g.State)
}

// EvaluateApproval collects votes for a goal in pre_approved or
// approved state and applies the decision:
//
//   - Granted while pre_approved: fulfillment callbacks run, then the
//     goal is requested.
//   - Granted while approved: the goal succeeds.
//   - Denied: the stamp is cleared and the goal reverts to the
//     corresponding waiting state.
//   - Abstain: the goal is left untouched.
func (e Engine) EvaluateApproval(ctx context.Context, g domain.Goal, actorID string) (domain.Goal, error) {
	if g.State != domain.PreApproved && g.State != domain.Approved {
		return g, fmt.Errorf("goal %s is %s, not in an approval state", g.Key(), g.State)
	}
	votes := make([]Vote, 0, len(e.Voters))
	for _, voter := range e.Voters {
		v, err := voter.Vote(ctx, g)
		if err != nil {
			return g, fmt.Errorf("approval voter for %s: %w", g.Key(), err)
		}
		votes = append(votes, v)
	}
	decide := e.Decision
	if decide == nil {
		decide = UnanimousDecision
	}
	decision := decide(votes)
	// With no voters registered the operator stamp alone decides.
	if len(votes) == 0 {
		decision = Granted
	}

	switch decision {
	case Granted:
		if g.State == domain.PreApproved {
			var err error
			g, err = e.runCallbacks(ctx, g)
			if err != nil {
				return g, fmt.Errorf("fulfillment callback for %s: %w", g.Key(), err)
			}
			return e.UpdateGoalState(ctx, g, domain.Requested, "pre-approval granted", actorID)
		}
		return e.UpdateGoalState(ctx, g, domain.Success, "approval granted", actorID)
	case Denied:
		if g.State == domain.PreApproved {
			g.PreApproval = nil
			return e.UpdateGoalState(ctx, g, domain.WaitingForPreApproval, "pre-approval denied", actorID)
		}
		g.Approval = nil
		return e.UpdateGoalState(ctx, g, domain.WaitingForApproval, "approval denied", actorID)
	}
	return g, nil
}
