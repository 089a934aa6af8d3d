package engine

import (
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// ActionClassifier tells the engine how each action is limited and
// whether it is destructive. Destructive actions are blocked rather than
// challenged when their rate limit is breached.
type ActionClassifier interface {
	IsDestructive(action string) bool
	Policy(action string) (models.RateLimitConfig, bool)
}

// ActionTable is an ActionClassifier backed by a fixed set of per-action
// configurations.
type ActionTable map[string]models.RateLimitConfig

func NewActionTable(cfgs []models.RateLimitConfig) ActionTable {
	t := make(ActionTable, len(cfgs))
	for _, c := range cfgs {
		t[c.Action] = c
	}
	return t
}

func (t ActionTable) IsDestructive(action string) bool {
	return t[action].Destructive
}

func (t ActionTable) Policy(action string) (models.RateLimitConfig, bool) {
	c, ok := t[action]
	return c, ok
}
