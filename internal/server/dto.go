package server

import (
	"driveline/internal/domain"
)

// Request payloads

type GoalDefinition struct {
	UniqueName          string           `json:"unique_name"`
	Environment         string           `json:"environment"`
	Name                string           `json:"name,omitempty"`
	Fulfillment         *FulfillmentBody `json:"fulfillment,omitempty"`
	PreConditions       []string         `json:"pre_conditions,omitempty"`
	Data                string           `json:"data,omitempty"`
	ExternalURLs        []string         `json:"external_urls,omitempty"`
	RetryFeasible       bool             `json:"retry_feasible,omitempty"`
	ApprovalRequired    bool             `json:"approval_required,omitempty"`
	PreApprovalRequired bool             `json:"pre_approval_required,omitempty"`
}

type FulfillmentBody struct {
	Method       string `json:"method,omitempty" enum:"sdm,side-effect,other"`
	Name         string `json:"name,omitempty"`
	Registration string `json:"registration,omitempty"`
}

type SubmitPushRequest struct {
	Provider string           `json:"provider,omitempty"`
	Owner    string           `json:"owner"`
	Repo     string           `json:"repo"`
	Branch   string           `json:"branch,omitempty"`
	SHA      string           `json:"sha"`
	Goals    []GoalDefinition `json:"goals"`
}

type ApprovalRequest struct {
	ChannelID string `json:"channel_id,omitempty"`
}

// Response payloads

type SubmitPushResponse struct {
	GoalSetID string        `json:"goal_set_id"`
	Goals     []domain.Goal `json:"goals"`
}

type GoalSetResponse struct {
	GoalSet domain.GoalSet `json:"goal_set"`
	Goals   []domain.Goal  `json:"goals"`
}

type GoalResponse struct {
	Goal domain.Goal `json:"goal"`
}

type EventsResponse struct {
	Events []domain.Event `json:"events"`
	Cursor int64          `json:"cursor"`
}

// goalsFromDefinitions translates API goal definitions into domain
// goals. Precondition strings use the env/name key form.
func goalsFromDefinitions(defs []GoalDefinition) ([]domain.Goal, error) {
	goals := make([]domain.Goal, 0, len(defs))
	for _, def := range defs {
		g := domain.Goal{
			UniqueName:          def.UniqueName,
			Environment:         def.Environment,
			Name:                def.Name,
			Data:                def.Data,
			ExternalURLs:        def.ExternalURLs,
			RetryFeasible:       def.RetryFeasible,
			ApprovalRequired:    def.ApprovalRequired,
			PreApprovalRequired: def.PreApprovalRequired,
		}
		if def.Fulfillment != nil {
			g.Fulfillment = domain.Fulfillment{
				Method:       def.Fulfillment.Method,
				Name:         def.Fulfillment.Name,
				Registration: def.Fulfillment.Registration,
			}
		}
		for _, pre := range def.PreConditions {
			key, err := domain.ParseGoalKey(pre)
			if err != nil {
				return nil, err
			}
			g.PreConditions = append(g.PreConditions, key)
		}
		goals = append(goals, g)
	}
	return goals, nil
}
