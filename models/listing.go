package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Lebenszyklus eines Listings.
const (
	StatusNew        = "new"
	StatusProcessing = "processing"
	StatusSEODone    = "seo_done"
	StatusComplete   = "complete"
)

// Listing repräsentiert ein Produkt, das analysiert wird.
type Listing struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index"`

	UserID   string `json:"user_id" gorm:"type:uuid;index"`
	ImageRef string `json:"image_ref,omitempty" gorm:"type:text"`

	// Vom Nutzer eingegebene Kategorisierung (Freitext)
	Theme       string `json:"theme,omitempty"`
	Niche       string `json:"niche,omitempty"`
	SubNiche    string `json:"sub_niche,omitempty"`
	UserContext string `json:"user_context,omitempty" gorm:"type:text"`

	Status         string `json:"status" gorm:"index;default:'new'"` // new, processing, seo_done, complete
	CompetitorSeed string `json:"competitor_seed,omitempty" gorm:"type:text"`

	// Letzte Worker-Ausgabe, vom Worker-Callback geschrieben, bevor der Status umspringt.
	// JobID ist der zuletzt ausgelöste Job; der Callback muss sie mitschicken.
	JobID     string         `json:"job_id,omitempty" gorm:"type:text"`
	JobAction string         `json:"job_action,omitempty"`
	JobOutput datatypes.JSON `json:"job_output,omitempty" gorm:"type:jsonb"`
}

// TableName gibt explizit den Tabellennamen an.
func (Listing) TableName() string {
	return "listings"
}

// BeforeCreate vergibt eine UUID, falls keine gesetzt ist.
func (l *Listing) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = StatusNew
	}
	return nil
}

// ListingChange ist die Benachrichtigung über eine geänderte Listing-Zeile (Status, Job, updated_at).
// Sie wird sowohl über den Push-Kanal verteilt als auch vom Poller gelesen.
type ListingChange struct {
	ListingID string    `json:"listing_id"`
	Status    string    `json:"status"`
	JobID     string    `json:"job_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
