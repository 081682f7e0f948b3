package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

type ActionType string

const (
	ActionSplit    ActionType = "SPLIT"
	ActionBonus    ActionType = "BONUS"
	ActionDividend ActionType = "DIVIDEND"
)

func ParseActionType(s string) (ActionType, error) {
	switch ActionType(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionSplit:
		return ActionSplit, nil
	case ActionBonus:
		return ActionBonus, nil
	case ActionDividend:
		return ActionDividend, nil
	default:
		return "", fmt.Errorf("unknown corporate action type %q", s)
	}
}

// CorporateAction is one entry of a symbol's append-only action history.
type CorporateAction struct {
	Symbol  string         `json:"symbol"`
	Type    ActionType     `json:"action_type"`
	Date    time.Time      `json:"date"`
	Details map[string]any `json:"details,omitempty"`
}

// Ratio returns the price divisor implied by the action. Splits carry "ratio" directly
// (2 means 2:1). Bonus issues carry "bonus_shares" per "held_shares" (1:1 bonus doubles the
// share count). Dividends and malformed details return (0, false).
func (a CorporateAction) Ratio() (float64, bool) {
	switch a.Type {
	case ActionSplit:
		r := cast.ToFloat64(a.Details["ratio"])
		if r <= 0 {
			return 0, false
		}
		return r, true
	case ActionBonus:
		if r := cast.ToFloat64(a.Details["ratio"]); r > 0 {
			return r, true
		}
		bonus := cast.ToFloat64(a.Details["bonus_shares"])
		held := cast.ToFloat64(a.Details["held_shares"])
		if bonus <= 0 || held <= 0 {
			return 0, false
		}
		return (bonus + held) / held, true
	default:
		return 0, false
	}
}
