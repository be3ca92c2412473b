package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"etsy-penny/models"
	"etsy-penny/providers"
)

// SessionStore ist alles, was eine Listing-Sitzung vom Store braucht.
type SessionStore interface {
	ReconcilerStore
	StatusReader
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	EnsureListing(ctx context.Context, listing *models.Listing) (*models.Listing, error)
	BeginJob(ctx context.Context, id, jobID string) error
}

// ImageResolver macht aus einer gespeicherten Bild-Referenz eine URL für den Worker.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// SessionDeps sind die gemeinsamen Abhängigkeiten aller Sitzungen.
type SessionDeps struct {
	Store            SessionStore
	Trigger          providers.JobTrigger
	Feed             ChangeFeed
	Images           ImageResolver
	Logger           *zap.Logger
	PollInterval     time.Duration
	CompletionStatus string
	Now              func() time.Time
}

// SessionHooks werden nach einem verarbeiteten Job aufgerufen.
type SessionHooks struct {
	OnUpdate func(Views)
	OnError  func(action string, err error)
}

// AnalyzeInput ist die Eingabe einer vollständigen Analyse.
type AnalyzeInput struct {
	Theme       string                `json:"theme"`
	Niche       string                `json:"niche"`
	SubNiche    string                `json:"sub_niche"`
	UserContext string                `json:"user_context"`
	Params      models.StrategyParams `json:"parameters"`
	Modes       []string              `json:"seo_modes"`
	ShopContext map[string]any        `json:"shop_context"`
}

// PendingJob beschreibt den ausstehenden Job einer Sitzung.
type PendingJob struct {
	ID          string                `json:"job_id"`
	Action      string                `json:"action"`
	Mode        string                `json:"seo_mode,omitempty"`
	KeywordIDs  []string              `json:"keyword_ids,omitempty"`
	Keyword     string                `json:"keyword,omitempty"`
	Params      models.StrategyParams `json:"parameters"`
	TriggeredAt time.Time             `json:"triggered_at"`
}

// ListingSession ist der Kontext eines geöffneten Listings: Reconciler, Watcher und der
// ausstehende Job. Pro Listing gibt es höchstens eine Sitzung.
type ListingSession struct {
	deps       SessionDeps
	hooks      SessionHooks
	reconciler *Reconciler
	watcher    *CompletionWatcher
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listing   models.Listing
	pending   *PendingJob
	lastError string
}

// Open lädt das Listing mit allen Evaluations und startet den Completion Watcher.
func Open(ctx context.Context, deps SessionDeps, listingID, mode string, hooks SessionHooks) (*ListingSession, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	listing, err := deps.Store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &ListingSession{
		deps:    deps,
		hooks:   hooks,
		logger:  deps.Logger.With(zap.String("listing_id", listingID)),
		ctx:     sctx,
		cancel:  cancel,
		listing: *listing,
	}
	s.reconciler = NewReconciler(listingID, mode, deps.Store, deps.Logger)
	if _, err := s.reconciler.Load(ctx); err != nil {
		cancel()
		return nil, err
	}

	s.watcher = NewCompletionWatcher(listingID, deps.CompletionStatus, deps.PollInterval, deps.Feed, deps.Store, s.onComplete, deps.Logger)
	if err := s.watcher.Start(sctx); err != nil {
		cancel()
		return nil, err
	}
	s.logger.Info("Sitzung geöffnet", zap.String("seo_mode", mode))
	return s, nil
}

// ListingID gibt die ID des Listings zurück.
func (s *ListingSession) ListingID() string { return s.reconciler.ListingID() }

// Views liefert eine Kopie der drei Sichten.
func (s *ListingSession) Views() Views { return s.reconciler.Snapshot() }

// Pending liefert den ausstehenden Job oder nil.
func (s *ListingSession) Pending() *PendingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	p := *s.pending
	return &p
}

// LastError liefert die Meldung des letzten fehlgeschlagenen Abgleichs.
func (s *ListingSession) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Analyze speichert die Kategorisierung und startet die vollständige Analyse über alle Modi.
func (s *ListingSession) Analyze(ctx context.Context, in AnalyzeInput) (*PendingJob, error) {
	s.mu.Lock()
	update := s.listing
	s.mu.Unlock()
	update.Theme, update.Niche, update.SubNiche, update.UserContext = in.Theme, in.Niche, in.SubNiche, in.UserContext

	listing, err := s.deps.Store.EnsureListing(ctx, &update)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listing = *listing
	s.mu.Unlock()

	return s.trigger(ctx, PendingJob{Action: providers.ActionGenerateSEO, Params: in.Params}, providers.Payload{
		Modes:       in.Modes,
		Parameters:  in.Params,
		ShopContext: in.ShopContext,
	})
}

// ResetPool berechnet den Keyword-Pool des aktiven Modus neu. Ohne params gelten die
// Gewichte der aktuellen Evaluation.
func (s *ListingSession) ResetPool(ctx context.Context, params *models.StrategyParams) (*PendingJob, error) {
	mode := s.reconciler.Mode()
	p := PendingJob{Action: providers.ActionResetPool, Mode: mode}
	if params != nil {
		p.Params = *params
	} else if ev, ok := s.reconciler.ActiveEvaluation(); ok {
		p.Params = ev.Params
	}
	return s.trigger(ctx, p, providers.Payload{Mode: mode, Parameters: p.Params})
}

// RecalculateScore lässt die Scores des aktiven Modus nur für die gewählten Keywords neu berechnen.
func (s *ListingSession) RecalculateScore(ctx context.Context, keywordIDs []string, params *models.StrategyParams) (*PendingJob, error) {
	mode := s.reconciler.Mode()
	views := s.reconciler.Snapshot()
	if views.ActiveResult == nil {
		return nil, &UnavailableModeError{Mode: mode}
	}

	p := PendingJob{Action: providers.ActionRecalculateScore, Mode: mode, Params: views.ActiveResult.Evaluation.Params}
	if params != nil {
		p.Params = *params
	}
	wanted := make(map[string]bool, len(keywordIDs))
	for _, id := range keywordIDs {
		wanted[id] = true
	}
	var tags []string
	for _, k := range views.ActiveResult.Pool() {
		if wanted[k.ID] {
			p.KeywordIDs = append(p.KeywordIDs, k.ID)
			tags = append(tags, k.Tag)
		}
	}
	return s.trigger(ctx, p, providers.Payload{Mode: mode, Parameters: p.Params, Keywords: tags})
}

// AddKeyword lässt die Kennzahlen eines manuell eingegebenen Keywords berechnen.
// Duplikate werden sofort abgelehnt, ohne Job.
func (s *ListingSession) AddKeyword(ctx context.Context, tag string) (*PendingJob, error) {
	mode := s.reconciler.Mode()
	if models.NormalizeTag(tag) == "" {
		return nil, ErrEmptyKeyword
	}
	if _, ok := s.reconciler.ActiveEvaluation(); !ok {
		return nil, &UnavailableModeError{Mode: mode}
	}
	if err := s.reconciler.CheckDuplicate(tag); err != nil {
		return nil, err
	}
	return s.trigger(ctx, PendingJob{Action: providers.ActionUserKeyword, Mode: mode, Keyword: tag}, providers.Payload{Mode: mode, Keyword: tag})
}

// RemoveKeyword nimmt Keywords aus dem Pool des aktiven Modus. Rein lokal, kein Job.
func (s *ListingSession) RemoveKeyword(ctx context.Context, keywordIDs ...string) (Views, error) {
	return s.reconciler.SetPoolMembership(ctx, keywordIDs, false)
}

// RestoreKeyword nimmt Keywords wieder in den Pool auf.
func (s *ListingSession) RestoreKeyword(ctx context.Context, keywordIDs ...string) (Views, error) {
	return s.reconciler.SetPoolMembership(ctx, keywordIDs, true)
}

// CompetitionAnalysis startet den Scan konkurrierender Listings.
func (s *ListingSession) CompetitionAnalysis(ctx context.Context) (*PendingJob, error) {
	return s.trigger(ctx, PendingJob{Action: providers.ActionCompetitionAnalysis}, providers.Payload{})
}

// SwitchMode wechselt den angezeigten Modus ohne Store-Zugriff.
func (s *ListingSession) SwitchMode(mode string) (*ProjectedResult, error) {
	return s.reconciler.SwitchMode(mode)
}

// Close baut Watcher und Abos ab. Ein ausstehender Job wird verworfen.
func (s *ListingSession) Close() {
	s.watcher.Stop()
	s.cancel()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.logger.Info("Sitzung geschlossen")
}

// trigger schaltet zuerst den Watcher scharf, nimmt das Listing vom Completion-Marker und
// sendet dann den Job. Scheitert ein Schritt, kehrt der Watcher ohne Callback nach idle zurück.
func (s *ListingSession) trigger(ctx context.Context, p PendingJob, payload providers.Payload) (*PendingJob, error) {
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrJobInFlight
	}
	p.ID = uuid.NewString()
	p.TriggeredAt = s.deps.Now()
	if err := s.watcher.Arm(p.TriggeredAt, p.ID); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.pending = &p
	listing := s.listing
	s.mu.Unlock()

	log := s.logger.With(zap.String("action", p.Action), zap.String("job_id", p.ID))

	if err := s.deps.Store.BeginJob(ctx, listing.ID, p.ID); err != nil {
		s.release(p.ID)
		log.Error("Job konnte nicht vermerkt werden", zap.Error(err))
		return nil, err
	}

	payload.Theme, payload.Niche, payload.SubNiche, payload.UserContext = listing.Theme, listing.Niche, listing.SubNiche, listing.UserContext
	if s.deps.Images != nil && listing.ImageRef != "" {
		url, err := s.deps.Images.Resolve(ctx, listing.ImageRef)
		if err != nil {
			log.Warn("Bild-URL konnte nicht erzeugt werden", zap.Error(err))
		} else {
			payload.ImageURL = url
		}
	}

	job := providers.Job{ID: p.ID, Action: p.Action, ListingID: listing.ID, Payload: payload, TriggeredAt: p.TriggeredAt}
	if err := s.deps.Trigger.Trigger(ctx, job); err != nil {
		s.release(p.ID)
		jobTriggerFailures.WithLabelValues(p.Action, s.deps.Trigger.Name()).Inc()
		log.Error("Job konnte nicht ausgelöst werden", zap.Error(err))
		return nil, err
	}

	jobsTriggered.WithLabelValues(p.Action, s.deps.Trigger.Name()).Inc()
	log.Info("Job ausgelöst", zap.String("seo_mode", p.Mode))
	out := p
	return &out, nil
}

// release verwirft den ausstehenden Job, falls er noch jobID ist.
func (s *ListingSession) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && s.pending.ID == jobID {
		s.pending = nil
		s.watcher.Disarm()
	}
}

// onComplete läuft genau einmal pro Job, aus dem Watcher heraus.
func (s *ListingSession) onComplete(change models.ListingChange) {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p == nil {
		s.logger.Warn("Fertigmeldung ohne ausstehenden Job", zap.Time("updated_at", change.UpdatedAt))
		return
	}

	views, err := s.complete(s.ctx, p)
	s.mu.Lock()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Job-Ergebnis konnte nicht übernommen werden", zap.String("action", p.Action), zap.Error(err))
		if s.hooks.OnError != nil {
			s.hooks.OnError(p.Action, err)
		}
		return
	}
	if s.hooks.OnUpdate != nil {
		s.hooks.OnUpdate(views)
	}
}

// complete liest die Worker-Ausgabe vom Listing und verteilt sie je nach Aktion.
func (s *ListingSession) complete(ctx context.Context, p *PendingJob) (Views, error) {
	listing, err := s.deps.Store.GetListing(ctx, s.ListingID())
	if err != nil {
		return Views{}, err
	}
	s.mu.Lock()
	s.listing = *listing
	s.mu.Unlock()

	if listing.JobAction != "" && listing.JobAction != p.Action {
		s.logger.Warn("Aktion der Worker-Ausgabe passt nicht zum Job",
			zap.String("expected", p.Action),
			zap.String("got", listing.JobAction),
		)
	}
	if len(listing.JobOutput) == 0 {
		return Views{}, ErrEmptyJobOutput
	}
	out, err := ParseJobOutput(listing.JobOutput)
	if err != nil {
		return Views{}, err
	}
	// Ein einzelnes Ergebnis ohne seo_mode gehört zum Modus des Jobs.
	out.AssignMode(p.Mode)

	switch p.Action {
	case providers.ActionGenerateSEO:
		views, err := s.reconciler.IngestJob(ctx, out, "")
		if err != nil {
			return views, err
		}
		return s.ingestCompetitorData(ctx, out, views)

	case providers.ActionResetPool:
		return s.reconciler.IngestJob(ctx, out, p.Mode)

	case providers.ActionRecalculateScore:
		mc, ok := out.ModeResult(p.Mode)
		if !ok && len(out.Modes) == 1 {
			mc, ok = out.Modes[0], true
		}
		if !ok || !mc.HasScores {
			return s.reconciler.Snapshot(), ErrEmptyJobOutput
		}
		fields := mc.Fields
		if fields.Params == (models.StrategyParams{}) {
			fields.Params = p.Params
		}
		return s.reconciler.RecalculateScores(ctx, p.Mode, fields, p.KeywordIDs)

	case providers.ActionCompetitionAnalysis:
		if !out.HasCompetitors && !out.HasCompetitorSeed {
			return s.reconciler.Snapshot(), ErrEmptyJobOutput
		}
		return s.ingestCompetitorData(ctx, out, s.reconciler.Snapshot())

	case providers.ActionUserKeyword:
		row := models.KeywordStat{Tag: p.Keyword}
		if out.Keyword != nil {
			row = *out.Keyword
			if models.NormalizeTag(row.Tag) == "" {
				row.Tag = p.Keyword
			}
		}
		if _, err := s.reconciler.AddKeyword(ctx, p.Mode, row); err != nil {
			return s.reconciler.Snapshot(), err
		}
		return s.reconciler.Snapshot(), nil
	}
	return Views{}, fmt.Errorf("unknown job action %q", p.Action)
}

func (s *ListingSession) ingestCompetitorData(ctx context.Context, out *JobOutput, views Views) (Views, error) {
	switch {
	case out.HasCompetitors:
		return s.reconciler.IngestCompetitors(ctx, out.Competitors, out.CompetitorSeed)
	case out.HasCompetitorSeed && out.CompetitorSeed != "":
		if err := s.deps.Store.SetCompetitorSeed(ctx, s.ListingID(), out.CompetitorSeed); err != nil {
			return views, err
		}
	}
	return views, nil
}

// IsRetryable meldet, ob ein Fehler durch erneutes Auslösen derselben Aktion behoben werden kann.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
