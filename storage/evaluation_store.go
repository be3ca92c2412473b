package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"etsy-penny/models"
)

// EvaluationStore ist die dünne I/O-Grenze zu den Tabellen listings, evaluations und keyword_stats.
// Keine Geschäftslogik: jede Methode ist genau ein logischer Zugriff.
type EvaluationStore struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewEvaluationStore erstellt eine neue Instanz des EvaluationStore.
func NewEvaluationStore(db *gorm.DB, logger *zap.Logger) *EvaluationStore {
	return &EvaluationStore{DB: db, Logger: logger}
}

// Migrate legt die Tabellen an bzw. passt sie an.
func (s *EvaluationStore) Migrate() error {
	return s.DB.AutoMigrate(&models.Listing{}, &models.Evaluation{}, &models.KeywordStat{})
}

func (s *EvaluationStore) fail(op string, err error, fields ...zap.Field) error {
	s.Logger.Error("Store-Zugriff fehlgeschlagen", append(fields, zap.String("op", op), zap.Error(err))...)
	return &StoreError{Op: op, Err: err}
}

// CreateListing legt ein neues Listing an.
func (s *EvaluationStore) CreateListing(ctx context.Context, listing *models.Listing) error {
	if err := s.DB.WithContext(ctx).Create(listing).Error; err != nil {
		return s.fail("create_listing", err)
	}
	return nil
}

// EnsureListing legt das Listing beim ersten Speichern/Analysieren an,
// sonst wird die Kategorisierung aktualisiert.
func (s *EvaluationStore) EnsureListing(ctx context.Context, listing *models.Listing) (*models.Listing, error) {
	if listing.ID == "" {
		if err := s.CreateListing(ctx, listing); err != nil {
			return nil, err
		}
		return listing, nil
	}
	var existing models.Listing
	err := s.DB.WithContext(ctx).Where("id = ?", listing.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.CreateListing(ctx, listing); err != nil {
			return nil, err
		}
		return listing, nil
	}
	if err != nil {
		return nil, s.fail("ensure_listing", err, zap.String("listing_id", listing.ID))
	}
	if err := s.UpdateCategorization(ctx, listing.ID, listing.Theme, listing.Niche, listing.SubNiche, listing.UserContext); err != nil {
		return nil, err
	}
	return s.GetListing(ctx, listing.ID)
}

// GetListing holt ein Listing anhand seiner ID.
func (s *EvaluationStore) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	var listing models.Listing
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &StoreError{Op: "get_listing", Err: ErrListingNotFound}
	}
	if err != nil {
		return nil, s.fail("get_listing", err, zap.String("listing_id", id))
	}
	return &listing, nil
}

// ListListings liefert alle Listings, neueste zuerst.
func (s *EvaluationStore) ListListings(ctx context.Context) ([]models.Listing, error) {
	var listings []models.Listing
	if err := s.DB.WithContext(ctx).Order("created_at desc").Find(&listings).Error; err != nil {
		return nil, s.fail("list_listings", err)
	}
	return listings, nil
}

// UpdateCategorization überschreibt Theme/Niche/Sub-Niche und den Freitext.
func (s *EvaluationStore) UpdateCategorization(ctx context.Context, id, theme, niche, subNiche, userContext string) error {
	res := s.DB.WithContext(ctx).Model(&models.Listing{}).Where("id = ?", id).Updates(map[string]any{
		"theme":        theme,
		"niche":        niche,
		"sub_niche":    subNiche,
		"user_context": userContext,
	})
	if res.Error != nil {
		return s.fail("update_categorization", res.Error, zap.String("listing_id", id))
	}
	if res.RowsAffected == 0 {
		return &StoreError{Op: "update_categorization", Err: ErrListingNotFound}
	}
	return nil
}

// ListingStatus liest nur Status, Job und updated_at, so wie es der Poller braucht.
func (s *EvaluationStore) ListingStatus(ctx context.Context, id string) (models.ListingChange, error) {
	var listing models.Listing
	err := s.DB.WithContext(ctx).Select("id", "status", "job_id", "updated_at").Where("id = ?", id).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ListingChange{}, &StoreError{Op: "listing_status", Err: ErrListingNotFound}
	}
	if err != nil {
		return models.ListingChange{}, s.fail("listing_status", err, zap.String("listing_id", id))
	}
	return models.ListingChange{ListingID: listing.ID, Status: listing.Status, JobID: listing.JobID, UpdatedAt: listing.UpdatedAt}, nil
}

// BeginJob merkt den ausgelösten Job am Listing und nimmt es vom Completion-Marker,
// bevor der Worker den Job bekommt.
func (s *EvaluationStore) BeginJob(ctx context.Context, id, jobID string) error {
	res := s.DB.WithContext(ctx).Model(&models.Listing{}).Where("id = ?", id).Updates(map[string]any{
		"job_id": jobID,
		"status": models.StatusProcessing,
	})
	if res.Error != nil {
		return s.fail("begin_job", res.Error, zap.String("listing_id", id), zap.String("job_id", jobID))
	}
	if res.RowsAffected == 0 {
		return &StoreError{Op: "begin_job", Err: ErrListingNotFound}
	}
	return nil
}

// RecordJobResult speichert die rohe Worker-Ausgabe zusammen mit dem Status in einem Update,
// damit kein Leser den Completion-Status ohne Ergebnis sieht. Ergebnisse eines anderen als
// des zuletzt ausgelösten Jobs werden abgelehnt.
func (s *EvaluationStore) RecordJobResult(ctx context.Context, id, jobID, action string, output []byte, status string) (models.ListingChange, error) {
	res := s.DB.WithContext(ctx).Model(&models.Listing{}).Where("id = ? AND job_id = ?", id, jobID).Updates(map[string]any{
		"job_action": action,
		"job_output": datatypes.JSON(output),
		"status":     status,
	})
	if res.Error != nil {
		return models.ListingChange{}, s.fail("record_job_result", res.Error, zap.String("listing_id", id))
	}
	if res.RowsAffected == 0 {
		current, err := s.ListingStatus(ctx, id)
		if err != nil {
			return models.ListingChange{}, err
		}
		s.Logger.Warn("Ergebnis eines veralteten Jobs abgelehnt",
			zap.String("listing_id", id),
			zap.String("job_id", jobID),
			zap.String("current_job_id", current.JobID),
		)
		return models.ListingChange{}, &StoreError{Op: "record_job_result", Err: ErrJobMismatch}
	}
	return s.ListingStatus(ctx, id)
}

// SetCompetitorSeed setzt den Seed-Text aus der Konkurrenzanalyse.
func (s *EvaluationStore) SetCompetitorSeed(ctx context.Context, id, seed string) error {
	res := s.DB.WithContext(ctx).Model(&models.Listing{}).Where("id = ?", id).Update("competitor_seed", seed)
	if res.Error != nil {
		return s.fail("set_competitor_seed", res.Error, zap.String("listing_id", id))
	}
	return nil
}

// LoadEvaluations lädt alle Evaluations eines Listings (alle Modi).
func (s *EvaluationStore) LoadEvaluations(ctx context.Context, listingID string) ([]models.Evaluation, error) {
	var evals []models.Evaluation
	if err := s.DB.WithContext(ctx).Where("listing_id = ?", listingID).Order("seo_mode").Find(&evals).Error; err != nil {
		return nil, s.fail("load_evaluations", err, zap.String("listing_id", listingID))
	}
	return evals, nil
}

// LoadKeywordStats lädt alle KeywordStats eines Listings (alle Modi, inkl. Konkurrenz).
func (s *EvaluationStore) LoadKeywordStats(ctx context.Context, listingID string) ([]models.KeywordStat, error) {
	var stats []models.KeywordStat
	err := s.DB.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("is_competition, opportunity_score desc, tag").
		Find(&stats).Error
	if err != nil {
		return nil, s.fail("load_keyword_stats", err, zap.String("listing_id", listingID))
	}
	return stats, nil
}

// UpsertEvaluation sucht die Evaluation über (listing_id, seo_mode), aktualisiert sie
// oder legt sie neu an. Es entsteht nie eine zweite Zeile für dasselbe Paar.
func (s *EvaluationStore) UpsertEvaluation(ctx context.Context, listingID, mode string, fields models.EvaluationFields) (*models.Evaluation, error) {
	var ev models.Evaluation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("listing_id = ? AND seo_mode = ?", listingID, mode).First(&ev).Error
		switch {
		case err == nil:
			ev.EvaluationFields = fields
			return tx.Save(&ev).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			ev = models.Evaluation{ListingID: listingID, SEOMode: mode, EvaluationFields: fields}
			return tx.Create(&ev).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, s.fail("upsert_evaluation", err, zap.String("listing_id", listingID), zap.String("seo_mode", mode))
	}
	return &ev, nil
}

// UpdateEvaluationFields überschreibt nur die skalaren Felder einer bestehenden Evaluation.
func (s *EvaluationStore) UpdateEvaluationFields(ctx context.Context, evaluationID string, fields models.EvaluationFields) (*models.Evaluation, error) {
	var ev models.Evaluation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", evaluationID).First(&ev).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEvaluationNotFound
			}
			return err
		}
		ev.EvaluationFields = fields
		return tx.Save(&ev).Error
	})
	if err != nil {
		return nil, s.fail("update_evaluation_fields", err, zap.String("evaluation_id", evaluationID))
	}
	return &ev, nil
}

// ReplaceKeywordPool löscht alle KeywordStats der Evaluation mit dem gegebenen Konkurrenz-Flag
// und fügt newRows ein. Beides läuft in einer Transaktion; danach wird der Bestand
// zurückgelesen und gegen den neuen Satz geprüft.
func (s *EvaluationStore) ReplaceKeywordPool(ctx context.Context, evaluationID string, competition bool, newRows []models.KeywordStat) ([]models.KeywordStat, error) {
	var ev models.Evaluation
	if err := s.DB.WithContext(ctx).Where("id = ?", evaluationID).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &StoreError{Op: "replace_keyword_pool", Err: ErrEvaluationNotFound}
		}
		return nil, s.fail("replace_keyword_pool", err, zap.String("evaluation_id", evaluationID))
	}

	rows := make([]models.KeywordStat, len(newRows))
	for i, r := range newRows {
		r.ID = ""
		r.ListingID = ev.ListingID
		r.EvaluationID = &ev.ID
		r.IsCompetition = competition
		rows[i] = r
	}

	scope := func(tx *gorm.DB) *gorm.DB {
		return tx.Where("evaluation_id = ? AND is_competition = ?", evaluationID, competition)
	}
	return s.replaceKeywords(ctx, "replace_keyword_pool", "evaluation "+evaluationID, scope, rows)
}

// ReplaceCompetitorKeywords tauscht die Konkurrenz-Keywords eines Listings aus.
// Sie hängen an keiner Evaluation; eigene Pools werden nie berührt.
func (s *EvaluationStore) ReplaceCompetitorKeywords(ctx context.Context, listingID string, newRows []models.KeywordStat) ([]models.KeywordStat, error) {
	rows := make([]models.KeywordStat, len(newRows))
	for i, r := range newRows {
		r.ID = ""
		r.ListingID = listingID
		r.EvaluationID = nil
		r.IsCompetition = true
		r.IsCurrentPool = false
		r.IsCurrentEval = false
		rows[i] = r
	}

	scope := func(tx *gorm.DB) *gorm.DB {
		return tx.Where("listing_id = ? AND is_competition = ?", listingID, true)
	}
	return s.replaceKeywords(ctx, "replace_competitor_keywords", "competitors of "+listingID, scope, rows)
}

func (s *EvaluationStore) replaceKeywords(ctx context.Context, op, label string, scope func(*gorm.DB) *gorm.DB, rows []models.KeywordStat) ([]models.KeywordStat, error) {
	log := s.Logger.With(zap.String("op", op), zap.String("scope", label))
	rows = uniqueTags(rows)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scope(tx).Delete(&models.KeywordStat{}).Error; err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&rows, 200).Error; err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err, zap.String("scope", label))
	}

	// Read-back: exakt der neue Satz, keine Reste des alten.
	var ids []string
	if err := scope(s.DB.WithContext(ctx).Model(&models.KeywordStat{})).Pluck("id", &ids).Error; err != nil {
		return nil, s.fail(op, fmt.Errorf("read back: %w", err), zap.String("scope", label))
	}
	if perr := compareReplacement(label, rows, ids); perr != nil {
		log.Error("Keyword-Austausch unvollständig", zap.Int("expected", perr.Expected), zap.Int("found", perr.Found))
		return nil, perr
	}

	log.Debug("Keywords ausgetauscht", zap.Int("rows", len(rows)))
	return rows, nil
}

// uniqueTags behält pro Keyword (ohne Groß-/Kleinschreibung) nur die erste Zeile.
func uniqueTags(rows []models.KeywordStat) []models.KeywordStat {
	seen := make(map[string]bool, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		key := models.NormalizeTag(r.Tag)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func compareReplacement(label string, rows []models.KeywordStat, ids []string) *PartialReplacementError {
	want := make(map[string]bool, len(rows))
	for _, r := range rows {
		want[r.ID] = true
	}
	found := make(map[string]bool, len(ids))
	var stale []string
	for _, id := range ids {
		found[id] = true
		if !want[id] {
			stale = append(stale, id)
		}
	}
	var missing []string
	for _, r := range rows {
		if !found[r.ID] {
			missing = append(missing, r.ID)
		}
	}
	if len(missing) == 0 && len(stale) == 0 {
		return nil
	}
	return &PartialReplacementError{Scope: label, Expected: len(rows), Found: len(ids), Missing: missing, Stale: stale}
}

// InsertKeyword fügt ein einzelnes, manuell hinzugefügtes Keyword ein.
func (s *EvaluationStore) InsertKeyword(ctx context.Context, row *models.KeywordStat) error {
	if err := s.DB.WithContext(ctx).Create(row).Error; err != nil {
		return s.fail("insert_keyword", err, zap.String("listing_id", row.ListingID), zap.String("tag", row.Tag))
	}
	return nil
}

// SetCurrentEval markiert genau die übergebenen Keywords des Pools als aktuelle Auswahl
// und nimmt alle anderen Pool-Keywords der Evaluation heraus. Andere Felder bleiben unverändert.
func (s *EvaluationStore) SetCurrentEval(ctx context.Context, evaluationID string, keywordIDs []string) ([]models.KeywordStat, error) {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.KeywordStat{}).
			Where("evaluation_id = ? AND is_competition = ?", evaluationID, false).
			Update("is_current_eval", false).Error; err != nil {
			return err
		}
		if len(keywordIDs) == 0 {
			return nil
		}
		return tx.Model(&models.KeywordStat{}).
			Where("evaluation_id = ? AND is_competition = ? AND is_current_pool = ? AND id IN ?", evaluationID, false, true, keywordIDs).
			Update("is_current_eval", true).Error
	})
	if err != nil {
		return nil, s.fail("set_current_eval", err, zap.String("evaluation_id", evaluationID))
	}
	return s.evaluationKeywords(ctx, "set_current_eval", evaluationID)
}

// SetPoolMembership nimmt Keywords in den Pool auf oder entfernt sie daraus, ohne Zeilen zu löschen.
// Ein Keyword außerhalb des Pools kann nicht zur aktuellen Auswahl gehören.
func (s *EvaluationStore) SetPoolMembership(ctx context.Context, evaluationID string, keywordIDs []string, inPool bool) ([]models.KeywordStat, error) {
	if len(keywordIDs) == 0 {
		return s.evaluationKeywords(ctx, "set_pool_membership", evaluationID)
	}
	updates := map[string]any{"is_current_pool": inPool}
	if !inPool {
		updates["is_current_eval"] = false
	}
	err := s.DB.WithContext(ctx).Model(&models.KeywordStat{}).
		Where("evaluation_id = ? AND is_competition = ? AND id IN ?", evaluationID, false, keywordIDs).
		Updates(updates).Error
	if err != nil {
		return nil, s.fail("set_pool_membership", err, zap.String("evaluation_id", evaluationID))
	}
	return s.evaluationKeywords(ctx, "set_pool_membership", evaluationID)
}

func (s *EvaluationStore) evaluationKeywords(ctx context.Context, op, evaluationID string) ([]models.KeywordStat, error) {
	var stats []models.KeywordStat
	err := s.DB.WithContext(ctx).
		Where("evaluation_id = ? AND is_competition = ?", evaluationID, false).
		Order("opportunity_score desc, tag").
		Find(&stats).Error
	if err != nil {
		return nil, s.fail(op, fmt.Errorf("reload: %w", err), zap.String("evaluation_id", evaluationID))
	}
	return stats, nil
}
