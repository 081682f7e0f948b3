package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketcache/internal/market"
	"marketcache/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type actionRepo struct {
	db *gorm.DB
}

func NewActionRepo(db *gorm.DB) *actionRepo {
	return &actionRepo{db: db}
}

func (r *actionRepo) Insert(ctx context.Context, action *model.CorporateActionModel) error {
	if action == nil {
		return fmt.Errorf("action is nil")
	}
	if action.CreatedAtUnix == 0 {
		action.CreatedAtUnix = time.Now().Unix()
	}
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *actionRepo) ListBySymbol(ctx context.Context, symbol string, from, to *time.Time) ([]model.CorporateActionModel, error) {
	var rows []model.CorporateActionModel
	q := r.db.WithContext(ctx).Where("symbol = ?", market.NormalizeSymbol(symbol))
	if from != nil {
		q = q.Where("effective_date >= ?", from.UnixMilli())
	}
	if to != nil {
		q = q.Where("effective_date <= ?", to.UnixMilli())
	}
	if err := q.Order("effective_date ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *actionRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.CorporateActionModel{}).Count(&n).Error
	return n, err
}

// Record appends actions in one transaction.
func (s *SqliteStore) Record(ctx context.Context, actions ...market.CorporateAction) error {
	if len(actions) == 0 {
		return nil
	}
	uow, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	repo := uow.Actions()
	for _, a := range actions {
		m, err := toActionModel(a)
		if err != nil {
			_ = uow.Rollback()
			return err
		}
		if err := repo.Insert(ctx, m); err != nil {
			_ = uow.Rollback()
			return fmt.Errorf("insert %s %s: %w", a.Symbol, a.Type, err)
		}
	}
	return uow.Commit()
}

// List returns a symbol's actions in date order.
func (s *SqliteStore) List(ctx context.Context, symbol string, from, to *time.Time) ([]market.CorporateAction, error) {
	rows, err := s.Actions().ListBySymbol(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]market.CorporateAction, 0, len(rows))
	for _, m := range rows {
		a, err := fromActionModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func toActionModel(a market.CorporateAction) (*model.CorporateActionModel, error) {
	typ, err := market.ParseActionType(string(a.Type))
	if err != nil {
		return nil, err
	}
	sym := market.NormalizeSymbol(a.Symbol)
	if sym == "" {
		return nil, fmt.Errorf("action symbol is required")
	}
	if a.Date.IsZero() {
		return nil, fmt.Errorf("action date is required")
	}
	details := a.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return &model.CorporateActionModel{
		Symbol:        sym,
		ActionType:    string(typ),
		EffectiveDate: a.Date.UTC().UnixMilli(),
		Details:       datatypes.JSON(raw),
	}, nil
}

func fromActionModel(m model.CorporateActionModel) (market.CorporateAction, error) {
	a := market.CorporateAction{
		Symbol: m.Symbol,
		Type:   market.ActionType(m.ActionType),
		Date:   time.UnixMilli(m.EffectiveDate).UTC(),
	}
	if len(m.Details) > 0 {
		if err := json.Unmarshal(m.Details, &a.Details); err != nil {
			return a, fmt.Errorf("decode details of action %d: %w", m.ID, err)
		}
	}
	return a, nil
}
