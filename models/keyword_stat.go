package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// keywordNamespace ist der Namespace für deterministische Keyword-IDs (UUID v5).
var keywordNamespace = uuid.MustParse("6f1c2b7e-4d0a-5a53-9a43-2f5f0c1d8e11")

// Trendrichtungen, abgeleitet aus der Volumen-Historie.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// KeywordStat sind die Kennzahlen eines Keywords unter einer Evaluation
// oder, mit IsCompetition, aus dem Scan konkurrierender Listings.
type KeywordStat struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ListingID    string  `json:"listing_id" gorm:"type:uuid;not null;index"`
	EvaluationID *string `json:"evaluation_id,omitempty" gorm:"type:uuid;index"`

	Tag              string                     `json:"tag" gorm:"not null"`
	SearchVolume     int64                      `json:"search_volume"`
	Competition      *float64                   `json:"competition,omitempty"`
	CompetitionLabel string                     `json:"competition_label,omitempty"` // low, medium, high
	OpportunityScore float64                    `json:"opportunity_score"`
	VolumeHistory    datatypes.JSONSlice[int64] `json:"volume_history,omitempty"`

	IsTrending  bool `json:"is_trending" gorm:"default:false"`
	IsEvergreen bool `json:"is_evergreen" gorm:"default:false"`
	IsPromising bool `json:"is_promising" gorm:"default:false"`
	IsTop       bool `json:"is_top" gorm:"default:false"`

	Insight         string `json:"insight,omitempty" gorm:"type:text"`
	InsightPositive bool   `json:"insight_positive" gorm:"default:false"`

	TransactionalIntent float64 `json:"transactional_intent"`
	NicheScore          float64 `json:"niche_score"`
	IntentLabel         string  `json:"intent_label,omitempty"`

	IsCompetition bool `json:"is_competition" gorm:"index;default:false"`
	IsCurrentPool bool `json:"is_current_pool" gorm:"default:false"`
	IsCurrentEval bool `json:"is_current_eval" gorm:"default:false"`
}

// TableName gibt explizit den Tabellennamen an.
func (KeywordStat) TableName() string {
	return "keyword_stats"
}

// BeforeCreate setzt die deterministische ID, falls keine gesetzt ist.
func (k *KeywordStat) BeforeCreate(tx *gorm.DB) error {
	if k.ID != "" {
		return nil
	}
	owner := k.ListingID
	if !k.IsCompetition && k.EvaluationID != nil {
		owner = *k.EvaluationID
	}
	k.ID = KeywordID(owner, k.IsCompetition, k.Tag)
	return nil
}

// NormalizeTag ist die Vergleichsform eines Keywords (Duplikatprüfung ohne Groß-/Kleinschreibung).
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// KeywordID berechnet die ID einer Keyword-Zeile aus ihrem Besitzer.
// Competitor-Zeilen hängen am Listing, alle anderen an der Evaluation.
func KeywordID(ownerID string, competition bool, tag string) string {
	scope := "pool"
	if competition {
		scope = "competitor"
	}
	return uuid.NewSHA1(keywordNamespace, []byte(ownerID+"|"+scope+"|"+NormalizeTag(tag))).String()
}

// BelongsTo meldet, ob die Zeile zur gegebenen Evaluation gehört.
func (k *KeywordStat) BelongsTo(evaluationID string) bool {
	return k.EvaluationID != nil && *k.EvaluationID == evaluationID
}

// keywordStatJSON hat die Felder von KeywordStat, aber nicht dessen MarshalJSON.
type keywordStatJSON KeywordStat

// MarshalJSON liefert die Zeile zusammen mit der abgeleiteten Trendrichtung.
func (k KeywordStat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		keywordStatJSON
		Trend string `json:"trend"`
	}{keywordStatJSON(k), k.Trend()})
}

// Trend leitet die Richtung aus der Volumen-Historie ab (letztes Drittel gegen erstes Drittel).
func (k *KeywordStat) Trend() string {
	h := k.VolumeHistory
	if len(h) < 2 {
		return TrendFlat
	}
	n := len(h) / 3
	if n == 0 {
		n = 1
	}
	var head, tail int64
	for _, v := range h[:n] {
		head += v
	}
	for _, v := range h[len(h)-n:] {
		tail += v
	}
	switch {
	case tail*10 > head*11:
		return TrendUp
	case tail*10 < head*9:
		return TrendDown
	default:
		return TrendFlat
	}
}
