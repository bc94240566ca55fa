package domain

import (
	"fmt"
	"strings"
)

// GoalState is the lifecycle state of a goal record. Transitions are
// append-only: a state change produces a new record version, never an
// in-place mutation.
type GoalState string

const (
	Planned               GoalState = "planned"
	Requested             GoalState = "requested"
	InProcess             GoalState = "in_process"
	WaitingForPreApproval GoalState = "waiting_for_pre_approval"
	PreApproved           GoalState = "pre_approved"
	WaitingForApproval    GoalState = "waiting_for_approval"
	Approved              GoalState = "approved"
	Success               GoalState = "success"
	Failure               GoalState = "failure"
	Skipped               GoalState = "skipped"
	Canceled              GoalState = "canceled"
	Stopped               GoalState = "stopped"
)

// Terminal reports whether no further transitions are expected.
func (s GoalState) Terminal() bool {
	switch s {
	case Success, Failure, Skipped, Canceled, Stopped:
		return true
	}
	return false
}

// SuccessEquivalent reports whether downstream goals may treat this
// state as a satisfied precondition.
func (s GoalState) SuccessEquivalent() bool {
	return s == Success || s == Skipped
}

// GoalKey identifies a goal within a goal-set.
type GoalKey struct {
	Environment string `json:"environment" yaml:"environment"`
	UniqueName  string `json:"unique_name" yaml:"unique_name"`
}

func (k GoalKey) String() string {
	return k.Environment + "/" + k.UniqueName
}

// ParseGoalKey splits an "environment/uniqueName" string.
func ParseGoalKey(s string) (GoalKey, error) {
	idx := strings.Index(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return GoalKey{}, fmt.Errorf("invalid goal key %q: want environment/uniqueName", s)
	}
	return GoalKey{Environment: s[:idx], UniqueName: s[idx+1:]}, nil
}

// Fulfillment method values.
const (
	FulfillmentSDM        = "sdm"
	FulfillmentSideEffect = "side-effect"
	FulfillmentOther      = "other"
)

// Fulfillment identifies the executor responsible for a goal.
type Fulfillment struct {
	Method       string `json:"method" yaml:"method"`
	Name         string `json:"name" yaml:"name"`
	Registration string `json:"registration,omitempty" yaml:"registration,omitempty"`
}

// Stamp records who authorized a gated transition.
type Stamp struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

// Provenance is one audit entry for a state transition.
type Provenance struct {
	Registration  string `json:"registration"`
	Name          string `json:"name"`
	Version       string `json:"version,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TS            string `json:"ts" format:"date-time"`
}

// Push references the originating commit of a goal-set.
type Push struct {
	Provider string `json:"provider,omitempty"`
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	SHA      string `json:"sha"`
}

// Slug returns the owner/repo coordinate.
func (p Push) Slug() string {
	return p.Owner + "/" + p.Repo
}

// Goal is one unit of delivery-pipeline work, tracked as a versioned
// record in the goal store.
type Goal struct {
	GoalSetID           string       `json:"goal_set_id"`
	Environment         string       `json:"environment"`
	UniqueName          string       `json:"unique_name"`
	Name                string       `json:"name,omitempty"`
	State               GoalState    `json:"state" enum:"planned,requested,in_process,waiting_for_pre_approval,pre_approved,waiting_for_approval,approved,success,failure,skipped,canceled,stopped"`
	Description         string       `json:"description,omitempty"`
	PreConditions       []GoalKey    `json:"pre_conditions,omitempty"`
	Fulfillment         Fulfillment  `json:"fulfillment"`
	RetryFeasible       bool         `json:"retry_feasible"`
	ApprovalRequired    bool         `json:"approval_required"`
	PreApprovalRequired bool         `json:"pre_approval_required"`
	Approval            *Stamp       `json:"approval,omitempty"`
	PreApproval         *Stamp       `json:"pre_approval,omitempty"`
	Provenance          []Provenance `json:"provenance,omitempty"`
	Data                string       `json:"data,omitempty"`
	ExternalURLs        []string     `json:"external_urls,omitempty"`
	Signature           string       `json:"signature,omitempty"`
	Push                Push         `json:"push"`
	Version             int64        `json:"version"`
	TS                  string       `json:"ts" format:"date-time"`
}

// Key returns the goal's identity within its goal-set.
func (g Goal) Key() GoalKey {
	return GoalKey{Environment: g.Environment, UniqueName: g.UniqueName}
}

// Root reports whether the goal has no preconditions.
func (g Goal) Root() bool {
	return len(g.PreConditions) == 0
}

// GoalSet correlates all goals produced from one push.
type GoalSet struct {
	ID        string `json:"id"`
	Push      Push   `json:"push"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Done reports whether every goal in the slice is terminal.
func Done(goals []Goal) bool {
	for _, g := range goals {
		if !g.State.Terminal() {
			return false
		}
	}
	return true
}

// Event is one change-feed entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GoalSetID  string `json:"goal_set_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates API callers by hashed secret.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
