package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"etsy-penny/models"
)

// Aktionen, die der externe Worker versteht.
const (
	ActionGenerateSEO         = "generate_seo"
	ActionResetPool           = "resetPool"
	ActionRecalculateScore    = "recalculateScore"
	ActionCompetitionAnalysis = "competitionAnalysis"
	ActionUserKeyword         = "userKeyword"
)

// ErrMissingListingID ist die einzige Validierung, die der Trigger am Payload vornimmt.
var ErrMissingListingID = errors.New("job has no listing id")

// Payload ist das Bündel, das dem Worker mitgegeben wird. Der Inhalt wird nicht geprüft.
type Payload struct {
	ImageURL    string                `json:"image_url,omitempty"`
	Theme       string                `json:"theme,omitempty"`
	Niche       string                `json:"niche,omitempty"`
	SubNiche    string                `json:"sub_niche,omitempty"`
	UserContext string                `json:"user_context,omitempty"`
	Mode        string                `json:"seo_mode,omitempty"`
	Modes       []string              `json:"seo_modes,omitempty"`
	Parameters  models.StrategyParams `json:"parameters"`
	Keywords    []string              `json:"keywords,omitempty"`
	Keyword     string                `json:"keyword,omitempty"`
	ShopContext map[string]any        `json:"shop_context,omitempty"`
}

// Job ist eine einzelne, einseitige Anfrage an den Worker.
type Job struct {
	ID          string    `json:"job_id"`
	Action      string    `json:"action"`
	ListingID   string    `json:"listing_id"`
	Payload     Payload   `json:"payload"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// JobTrigger ist das Interface, das jeder Transport zum Worker implementieren muss.
// Trigger kehrt zurück, sobald der Transport die Anfrage angenommen hat, nicht wenn der Job fertig ist.
type JobTrigger interface {
	Trigger(ctx context.Context, job Job) error

	// Name gibt den eindeutigen Namen des Transports zurück (z.B. "webhook").
	Name() string
}

// TransportError meldet, dass der Worker nicht erreicht wurde oder die Anfrage abgelehnt hat.
type TransportError struct {
	Transport string
	Action    string
	ListingID string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: trigger %s for listing %s: %v", e.Transport, e.Action, e.ListingID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable: ein erneutes Auslösen ist Sache des Aufrufers.
func (e *TransportError) Retryable() bool { return true }

// Validate prüft nur, ob eine Listing-ID vorhanden ist.
func (j Job) Validate() error {
	if j.ListingID == "" {
		return ErrMissingListingID
	}
	return nil
}
