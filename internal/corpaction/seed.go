package corpaction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"marketcache/internal/market"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Actions []seedAction `yaml:"actions"`
}

type seedAction struct {
	Symbol  string         `yaml:"symbol"`
	Type    string         `yaml:"type"`
	Date    string         `yaml:"date"`
	Details map[string]any `yaml:"details"`
}

// LoadSeed records the actions listed in a YAML file. Entries already present in the log (same
// symbol, type, date and details) are skipped so restarts do not duplicate history. Returns how many
// actions were added.
func (h *Handler) LoadSeed(ctx context.Context, path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("parse seed %s: %w", path, err)
	}
	existing := make(map[string]map[string]struct{})
	added := 0
	for i, sa := range file.Actions {
		action, err := sa.toAction()
		if err != nil {
			return added, fmt.Errorf("seed entry %d: %w", i, err)
		}
		seen, ok := existing[action.Symbol]
		if !ok {
			current, err := h.GetActions(ctx, action.Symbol, nil, nil)
			if err != nil {
				return added, err
			}
			seen = make(map[string]struct{}, len(current))
			for _, a := range current {
				seen[seedKey(a)] = struct{}{}
			}
			existing[action.Symbol] = seen
		}
		if _, dup := seen[seedKey(action)]; dup {
			continue
		}
		if err := h.RecordAction(ctx, action.Symbol, action); err != nil {
			return added, fmt.Errorf("seed entry %d: %w", i, err)
		}
		seen[seedKey(action)] = struct{}{}
		added++
	}
	actionLog.Infof("seed %s: %d actions added, %d already present", path, added, len(file.Actions)-added)
	return added, nil
}

func (s seedAction) toAction() (market.CorporateAction, error) {
	typ, err := market.ParseActionType(s.Type)
	if err != nil {
		return market.CorporateAction{}, err
	}
	date, err := parseDate(s.Date)
	if err != nil {
		return market.CorporateAction{}, err
	}
	return market.CorporateAction{
		Symbol:  market.NormalizeSymbol(s.Symbol),
		Type:    typ,
		Date:    date,
		Details: s.Details,
	}, nil
}

func seedKey(a market.CorporateAction) string {
	details := ""
	if len(a.Details) > 0 {
		// map keys marshal sorted, and YAML ints and stored JSON floats print alike
		if raw, err := json.Marshal(a.Details); err == nil {
			details = string(raw)
		}
	}
	return fmt.Sprintf("%s|%s|%s|%s", market.NormalizeSymbol(a.Symbol), strings.ToUpper(string(a.Type)),
		a.Date.UTC().Format("2006-01-02"), details)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t.UTC(), nil
}
