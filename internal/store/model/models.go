package model

import (
	"gorm.io/datatypes"
)

// CorporateActionModel maps to the append-only 'corporate_actions' table.
type CorporateActionModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index:idx_corporate_actions_symbol"`
	ActionType    string         `gorm:"column:action_type"`
	EffectiveDate int64          `gorm:"column:effective_date;index:idx_corporate_actions_date"` // unix ms, UTC
	Details       datatypes.JSON `gorm:"column:details;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (CorporateActionModel) TableName() string { return "corporate_actions" }
