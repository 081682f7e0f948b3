package corpaction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"marketcache/internal/logger"
	"marketcache/internal/market"
)

var actionLog = logger.With("corpaction")

// ActionLog persists the append-only per-symbol action history.
type ActionLog interface {
	Record(ctx context.Context, actions ...market.CorporateAction) error
	List(ctx context.Context, symbol string, from, to *time.Time) ([]market.CorporateAction, error)
}

// NoopLog is used when persistence is disabled: writes are dropped and reads are empty.
type NoopLog struct{}

func (NoopLog) Record(context.Context, ...market.CorporateAction) error { return nil }

func (NoopLog) List(context.Context, string, *time.Time, *time.Time) ([]market.CorporateAction, error) {
	return nil, nil
}

type Handler struct {
	log ActionLog
}

func NewHandler(log ActionLog) *Handler {
	if log == nil {
		log = NoopLog{}
	}
	return &Handler{log: log}
}

// ValidateAction checks the fields every action needs, plus a usable ratio for SPLIT and BONUS.
func ValidateAction(a market.CorporateAction) error {
	if strings.TrimSpace(a.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	typ, err := market.ParseActionType(string(a.Type))
	if err != nil {
		return err
	}
	if a.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	a.Type = typ
	if typ == market.ActionSplit || typ == market.ActionBonus {
		if _, ok := a.Ratio(); !ok {
			return fmt.Errorf("%s on %s needs a positive ratio", typ, a.Date.Format("2006-01-02"))
		}
	}
	return nil
}

func (h *Handler) RecordAction(ctx context.Context, symbol string, action market.CorporateAction) error {
	action.Symbol = market.NormalizeSymbol(symbol)
	action.Type = market.ActionType(strings.ToUpper(strings.TrimSpace(string(action.Type))))
	action.Date = action.Date.UTC()
	if err := ValidateAction(action); err != nil {
		return fmt.Errorf("invalid action: %w", err)
	}
	if err := h.log.Record(ctx, action); err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	actionLog.Infof("recorded %s for %s effective %s", action.Type, action.Symbol, action.Date.Format("2006-01-02"))
	return nil
}

func (h *Handler) GetActions(ctx context.Context, symbol string, from, to *time.Time) ([]market.CorporateAction, error) {
	actions, err := h.log.List(ctx, market.NormalizeSymbol(symbol), from, to)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Date.Before(actions[j].Date) })
	return actions, nil
}

// ApplyAllAdjustments replays the symbol's SPLIT and BONUS actions in date order over a copy of
// rows. Repeated log entries for the same event are applied once. Dividends are not
// price-adjusted.
func (h *Handler) ApplyAllAdjustments(ctx context.Context, symbol string, rows []market.Row) ([]market.Row, error) {
	out := market.CloneRows(rows)
	if len(out) == 0 {
		return out, nil
	}
	actions, err := h.GetActions(ctx, symbol, nil, nil)
	if err != nil {
		return out, err
	}
	applied := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		ratio, ok := a.Ratio()
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s|%d|%g", a.Type, a.Date.UnixMilli(), ratio)
		if _, dup := applied[key]; dup {
			continue
		}
		applied[key] = struct{}{}
		out = AdjustForSplit(out, a.Date, ratio)
	}
	if len(applied) > 0 {
		actionLog.Debugf("applied %d adjustments to %s (%s)", len(applied), market.NormalizeSymbol(symbol), market.Summary(out))
	}
	return out, nil
}
