package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"etsy-penny/models"
	"etsy-penny/storage"
)

// ReconcilerStore ist der Teil des EvaluationStore, den der Reconciler braucht.
type ReconcilerStore interface {
	LoadEvaluations(ctx context.Context, listingID string) ([]models.Evaluation, error)
	LoadKeywordStats(ctx context.Context, listingID string) ([]models.KeywordStat, error)
	UpsertEvaluation(ctx context.Context, listingID, mode string, fields models.EvaluationFields) (*models.Evaluation, error)
	UpdateEvaluationFields(ctx context.Context, evaluationID string, fields models.EvaluationFields) (*models.Evaluation, error)
	ReplaceKeywordPool(ctx context.Context, evaluationID string, competition bool, newRows []models.KeywordStat) ([]models.KeywordStat, error)
	ReplaceCompetitorKeywords(ctx context.Context, listingID string, newRows []models.KeywordStat) ([]models.KeywordStat, error)
	InsertKeyword(ctx context.Context, row *models.KeywordStat) error
	SetCurrentEval(ctx context.Context, evaluationID string, keywordIDs []string) ([]models.KeywordStat, error)
	SetPoolMembership(ctx context.Context, evaluationID string, keywordIDs []string, inPool bool) ([]models.KeywordStat, error)
	SetCompetitorSeed(ctx context.Context, listingID, seed string) error
}

// Reconciler hält die drei Sichten eines Listings synchron mit dem Store.
// Nur der Reconciler schreibt die Sichten; jede Operation persistiert zuerst und
// wendet erst danach die bestätigten Zeilen als Events an. Schlägt ein Store-Zugriff
// fehl, bleiben die Sichten auf dem letzten gültigen Stand.
type Reconciler struct {
	listingID string
	store     ReconcilerStore
	logger    *zap.Logger

	mu    sync.Mutex
	views Views
}

// NewReconciler erstellt einen Reconciler für genau ein Listing.
func NewReconciler(listingID, mode string, store ReconcilerStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		listingID: listingID,
		store:     store,
		logger:    logger.With(zap.String("listing_id", listingID)),
		views:     Views{Mode: mode},
	}
}

// ListingID gibt das Listing des Reconcilers zurück.
func (r *Reconciler) ListingID() string { return r.listingID }

// Load liest alle Evaluations und KeywordStats des Listings und ersetzt die Sichten.
func (r *Reconciler) Load(ctx context.Context) (Views, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evals, err := r.store.LoadEvaluations(ctx, r.listingID)
	if err != nil {
		return r.abort("load", err)
	}
	stats, err := r.store.LoadKeywordStats(ctx, r.listingID)
	if err != nil {
		return r.abort("load", err)
	}

	sorted := append([]models.KeywordStat(nil), stats...)
	sortKeywordStats(sorted)
	v := Views{Mode: r.views.Mode, AllKeywordStats: sorted}
	for _, ev := range evals {
		v.AllEvaluations = reduceEvaluations(v.AllEvaluations, EvaluationChanged{Evaluation: ev})
	}
	if res, ok := Select(v.Mode, v.AllEvaluations, v.AllKeywordStats); ok {
		v.ActiveResult = res
	}
	r.views = v

	r.logger.Debug("Evaluations geladen", zap.Int("evaluations", len(evals)), zap.Int("keywords", len(stats)))
	return r.snapshot(), nil
}

// Snapshot liefert eine Kopie der aktuellen Sichten.
func (r *Reconciler) Snapshot() Views {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Reconciler) snapshot() Views {
	v := r.views
	v.AllEvaluations = make([]models.Evaluation, len(r.views.AllEvaluations))
	for i, ev := range r.views.AllEvaluations {
		v.AllEvaluations[i] = cloneEvaluation(ev)
	}
	v.AllKeywordStats = cloneKeywords(r.views.AllKeywordStats)
	if r.views.ActiveResult != nil {
		active := *r.views.ActiveResult
		active.Evaluation = cloneEvaluation(active.Evaluation)
		active.Keywords = cloneKeywords(active.Keywords)
		v.ActiveResult = &active
	}
	return v
}

// SwitchMode wechselt den angezeigten Modus ohne Store-Zugriff.
// Ohne geladene Evaluation bleibt alles unverändert und es kommt ein UnavailableModeError.
func (r *Reconciler) SwitchMode(mode string) (*ProjectedResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := Select(mode, r.views.AllEvaluations, r.views.AllKeywordStats); !ok {
		return nil, &UnavailableModeError{Mode: mode}
	}
	r.views = r.views.Apply(ModeSelected{Mode: mode})
	return r.snapshot().ActiveResult, nil
}

// Mode gibt den angezeigten Modus zurück.
func (r *Reconciler) Mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views.Mode
}

// ActiveEvaluation liefert die Evaluation des angezeigten Modus.
func (r *Reconciler) ActiveEvaluation() (models.Evaluation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evaluationFor(r.views.Mode)
}

func (r *Reconciler) evaluationFor(mode string) (models.Evaluation, bool) {
	for _, ev := range r.views.AllEvaluations {
		if ev.SEOMode == mode {
			return cloneEvaluation(ev), true
		}
	}
	return models.Evaluation{}, false
}

// IngestJob übernimmt eine fertige Worker-Ausgabe. Je gemeldetem Modus wird die Evaluation
// per (listing, mode) upserted und ihr eigener Keyword-Pool ausgetauscht; alle neuen Keywords
// sind im Pool und in der Auswahl. Mit onlyMode werden andere Modi der Ausgabe ignoriert.
// Wiederholtes Ingest derselben Ausgabe führt zum selben Zustand.
func (r *Reconciler) IngestJob(ctx context.Context, out *JobOutput, onlyMode string) (Views, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var modes []ModeCompletion
	for _, mc := range out.Only(onlyMode) {
		if mc.Mode == "" {
			r.logger.Warn("Ergebnis ohne Modus verworfen")
			continue
		}
		modes = append(modes, mc)
	}
	if len(modes) == 0 {
		r.logger.Warn("Worker-Ausgabe ohne passenden Modus", zap.String("only_mode", onlyMode))
		return r.snapshot(), ErrEmptyJobOutput
	}

	var events []Event
	for _, mc := range modes {
		log := r.logger.With(zap.String("seo_mode", mc.Mode))

		fields := mc.Fields
		if !mc.HasScores {
			// Nur Keywords gemeldet: bestehende Scores nicht mit Nullen überschreiben.
			if existing, ok := r.evaluationFor(mc.Mode); ok {
				fields = existing.EvaluationFields
			}
		}
		ev, err := r.store.UpsertEvaluation(ctx, r.listingID, mc.Mode, fields)
		if err != nil {
			return r.abort("ingest_job", err)
		}
		events = append(events, EvaluationChanged{Evaluation: *ev})

		if mc.HasKeywords {
			rows := make([]models.KeywordStat, len(mc.Keywords))
			for i, k := range mc.Keywords {
				k.IsCompetition = false
				k.IsCurrentPool = true
				k.IsCurrentEval = true
				rows[i] = k
			}
			inserted, err := r.store.ReplaceKeywordPool(ctx, ev.ID, false, rows)
			if err != nil {
				return r.abort("ingest_job", err)
			}
			events = append(events, KeywordSetReplaced{EvaluationID: ev.ID, Rows: inserted})
			log.Debug("Keyword-Pool ersetzt", zap.Int("keywords", len(inserted)))
		}
		log.Info("Evaluation übernommen", zap.String("evaluation_id", ev.ID), zap.Float64("strength", ev.Strength))
	}

	r.views = r.views.Apply(events...)
	return r.snapshot(), nil
}

// RecalculateScores schreibt nur die skalaren Felder der Evaluation des Modus neu und
// markiert genau keywordIDs als aktuelle Auswahl. Andere Keyword-Felder und andere Modi bleiben unberührt.
func (r *Reconciler) RecalculateScores(ctx context.Context, mode string, fields models.EvaluationFields, keywordIDs []string) (Views, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.evaluationFor(mode)
	if !ok {
		return r.snapshot(), &UnavailableModeError{Mode: mode}
	}

	ev, err := r.store.UpdateEvaluationFields(ctx, current.ID, fields)
	if err != nil {
		return r.abort("recalculate_scores", err)
	}
	rows, err := r.store.SetCurrentEval(ctx, current.ID, keywordIDs)
	if err != nil {
		return r.abort("recalculate_scores", err)
	}

	r.views = r.views.Apply(EvaluationChanged{Evaluation: *ev}, KeywordsPatched{Rows: rows})
	r.logger.Info("Scores neu berechnet",
		zap.String("seo_mode", mode),
		zap.Int("selected", len(keywordIDs)),
		zap.Float64("strength", ev.Strength),
	)
	return r.snapshot(), nil
}

// CheckDuplicate prüft ohne Groß-/Kleinschreibung gegen alle eigenen Keywords des Listings.
func (r *Reconciler) CheckDuplicate(tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkDuplicate(tag)
}

func (r *Reconciler) checkDuplicate(tag string) error {
	norm := models.NormalizeTag(tag)
	for _, k := range r.views.AllKeywordStats {
		if !k.IsCompetition && models.NormalizeTag(k.Tag) == norm {
			duplicateKeywords.Inc()
			r.logger.Info("Keyword bereits vorhanden", zap.String("tag", tag))
			return &DuplicateKeywordError{Keyword: tag}
		}
	}
	return nil
}

// AddKeyword fügt ein Keyword zum Pool der Evaluation des Modus hinzu.
// Es ist im Pool, aber nicht Teil der Auswahl, bis neu berechnet wird.
func (r *Reconciler) AddKeyword(ctx context.Context, mode string, row models.KeywordStat) (*models.KeywordStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.evaluationFor(mode)
	if !ok {
		return nil, &UnavailableModeError{Mode: mode}
	}
	if models.NormalizeTag(row.Tag) == "" {
		return nil, ErrEmptyKeyword
	}
	if err := r.checkDuplicate(row.Tag); err != nil {
		return nil, err
	}

	row.ID = ""
	row.Tag = strings.TrimSpace(row.Tag)
	row.ListingID = r.listingID
	row.EvaluationID = &ev.ID
	row.IsCompetition = false
	row.IsCurrentPool = true
	row.IsCurrentEval = false
	if err := r.store.InsertKeyword(ctx, &row); err != nil {
		_, err = r.abort("add_keyword", err)
		return nil, err
	}

	r.views = r.views.Apply(KeywordAdded{Row: row})
	r.logger.Info("Keyword hinzugefügt", zap.String("tag", row.Tag), zap.String("seo_mode", ev.SEOMode))
	return &row, nil
}

// SetPoolMembership nimmt Keywords der aktiven Evaluation in den Pool auf oder heraus.
func (r *Reconciler) SetPoolMembership(ctx context.Context, keywordIDs []string, inPool bool) (Views, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.evaluationFor(r.views.Mode)
	if !ok {
		return r.snapshot(), &UnavailableModeError{Mode: r.views.Mode}
	}
	rows, err := r.store.SetPoolMembership(ctx, ev.ID, keywordIDs, inPool)
	if err != nil {
		return r.abort("set_pool_membership", err)
	}
	r.views = r.views.Apply(KeywordsPatched{Rows: rows})
	return r.snapshot(), nil
}

// IngestCompetitors tauscht die Konkurrenz-Keywords des Listings aus; eigene Pools bleiben unberührt.
// Ein leerer seed lässt den Seed-Text unverändert.
func (r *Reconciler) IngestCompetitors(ctx context.Context, rows []models.KeywordStat, seed string) (Views, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seed != "" {
		if err := r.store.SetCompetitorSeed(ctx, r.listingID, seed); err != nil {
			return r.abort("ingest_competitors", err)
		}
	}
	inserted, err := r.store.ReplaceCompetitorKeywords(ctx, r.listingID, rows)
	if err != nil {
		return r.abort("ingest_competitors", err)
	}
	r.views = r.views.Apply(KeywordSetReplaced{Competition: true, Rows: inserted})
	r.logger.Info("Konkurrenz-Keywords übernommen", zap.Int("keywords", len(inserted)))
	return r.snapshot(), nil
}

// abort zählt den Store-Fehler und lässt die Sichten unverändert.
func (r *Reconciler) abort(op string, err error) (Views, error) {
	var partial *storage.PartialReplacementError
	var se *storage.StoreError
	switch {
	case errors.As(err, &partial):
		storeErrors.WithLabelValues("partial_replacement").Inc()
	case errors.As(err, &se):
		storeErrors.WithLabelValues(se.Op).Inc()
	default:
		storeErrors.WithLabelValues(op).Inc()
	}
	r.logger.Error("Abgleich abgebrochen, Sichten unverändert", zap.String("op", op), zap.Error(err))
	return r.snapshot(), err
}
