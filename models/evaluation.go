package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Bekannte Strategie-Modi. Die Liste ist offen, jeder String ist ein gültiger Modus.
const (
	ModeBroad    = "broad"
	ModeBalanced = "balanced"
	ModeSniper   = "sniper"
)

// StrategyParams sind die fünf Gewichte, mit denen eine Evaluation berechnet wurde.
type StrategyParams struct {
	Volume      float64 `json:"volume"`
	Competition float64 `json:"competition"`
	Transaction float64 `json:"transaction"`
	Niche       float64 `json:"niche"`
	CPC         float64 `json:"cpc" gorm:"column:cpc"`
}

// Justifications enthält die Begründung je Teil-Score.
type Justifications struct {
	Visibility  string `json:"visibility,omitempty" gorm:"type:text"`
	Relevance   string `json:"relevance,omitempty" gorm:"type:text"`
	Conversion  string `json:"conversion,omitempty" gorm:"type:text"`
	Competition string `json:"competition,omitempty" gorm:"type:text"`
	Profit      string `json:"profit,omitempty" gorm:"type:text"`
}

// ImprovementPlan ist der geordnete Verbesserungsplan einer Evaluation.
type ImprovementPlan struct {
	Remove        datatypes.JSONSlice[string] `json:"remove,omitempty"`
	Add           datatypes.JSONSlice[string] `json:"add,omitempty"`
	PrimaryAction string                      `json:"primary_action,omitempty" gorm:"type:text"`
}

// EvaluationFields sind alle skalaren Felder, die der Worker je Modus liefert.
type EvaluationFields struct {
	Strength    float64 `json:"strength"`
	Visibility  float64 `json:"visibility"`
	Relevance   float64 `json:"relevance"`
	Conversion  float64 `json:"conversion"`
	Competition float64 `json:"competition"`
	Profit      float64 `json:"profit"`

	Justification   Justifications  `json:"justification" gorm:"embedded;embeddedPrefix:justification_"`
	ImprovementPlan ImprovementPlan `json:"improvement_plan" gorm:"embedded;embeddedPrefix:improvement_plan_"`
	Params          StrategyParams  `json:"params" gorm:"embedded;embeddedPrefix:param_"`
}

// Evaluation ist das bewertete Ergebnis eines Listings unter genau einem Strategie-Modus.
// Pro (listing_id, seo_mode) existiert höchstens eine Zeile.
type Evaluation struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ListingID string `json:"listing_id" gorm:"type:uuid;not null;uniqueIndex:idx_evaluations_listing_mode"`
	SEOMode   string `json:"seo_mode" gorm:"column:seo_mode;not null;uniqueIndex:idx_evaluations_listing_mode"`

	EvaluationFields `gorm:"embedded"`
}

// TableName gibt explizit den Tabellennamen an.
func (Evaluation) TableName() string {
	return "evaluations"
}

// BeforeCreate vergibt eine UUID, falls keine gesetzt ist.
func (e *Evaluation) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
