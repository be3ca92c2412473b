package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"etsy-penny/providers"
)

// Trigger implementiert das JobTrigger-Interface über einen HTTP-Webhook des Workers.
type Trigger struct {
	URL    string
	Client *http.Client
	Logger *zap.Logger
}

// NewTrigger erstellt einen neuen Webhook-Trigger.
func NewTrigger(url string, timeout time.Duration, logger *zap.Logger) *Trigger {
	return &Trigger{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Logger: logger,
	}
}

// Name gibt den Namen des Transports zurück.
func (t *Trigger) Name() string {
	return "webhook"
}

// Trigger sendet den Job an den Webhook. Jeder 2xx-Status gilt als angenommen;
// der Body der Antwort wird ignoriert, Ergebnisse kommen nur über den Completion Watcher.
func (t *Trigger) Trigger(ctx context.Context, job providers.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	log := t.Logger.With(zap.String("action", job.Action), zap.String("listing_id", job.ListingID), zap.String("job_id", job.ID))

	body, err := json.Marshal(job)
	if err != nil {
		return t.fail(job, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return t.fail(job, err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug("Sende Job an Worker-Webhook.")
	resp, err := t.Client.Do(req)
	if err != nil {
		log.Error("Worker-Webhook nicht erreichbar", zap.Error(err))
		return t.fail(job, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Error("Worker-Webhook hat nicht-2xx-Status zurückgegeben", zap.Int("status", resp.StatusCode))
		return t.fail(job, fmt.Errorf("webhook failed: status %d", resp.StatusCode))
	}

	log.Info("Job vom Worker angenommen.")
	return nil
}

func (t *Trigger) fail(job providers.Job, err error) error {
	return &providers.TransportError{Transport: t.Name(), Action: job.Action, ListingID: job.ListingID, Err: err}
}
