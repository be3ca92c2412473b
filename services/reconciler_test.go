package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"etsy-penny/models"
	"etsy-penny/storage"
)

func newLoadedReconciler(t *testing.T, store ReconcilerStore, listingID string) *Reconciler {
	r := NewReconciler(listingID, models.ModeBalanced, store, zap.NewNop())
	_, err := r.Load(context.Background())
	require.NoError(t, err)
	return r
}

func viewsJSON(t *testing.T, v Views) string {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func evaluationByMode(t *testing.T, evals []models.Evaluation, mode string) models.Evaluation {
	for _, ev := range evals {
		if ev.SEOMode == mode {
			return ev
		}
	}
	t.Fatalf("no evaluation for mode %s", mode)
	return models.Evaluation{}
}

func TestReconciler_IngestJobIsIdempotent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	first, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)
	require.Len(t, first.AllEvaluations, 2)
	require.Len(t, first.AllKeywordStats, 4)

	second, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)
	assert.Equal(t, viewsJSON(t, first), viewsJSON(t, second))

	evals, err := store.LoadEvaluations(ctx, listing.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 2)
	stats, err := store.LoadKeywordStats(ctx, listing.ID)
	require.NoError(t, err)
	assert.Len(t, stats, 4)

	for _, k := range second.AllKeywordStats {
		assert.True(t, k.IsCurrentPool, k.Tag)
		assert.True(t, k.IsCurrentEval, k.Tag)
		assert.False(t, k.IsCompetition, k.Tag)
	}

	require.NotNil(t, second.ActiveResult)
	assert.Equal(t, 72.0, second.ActiveResult.Evaluation.Strength)
	assert.Len(t, second.ActiveResult.Keywords, 3)
}

func TestReconciler_ViewsMatchStoreAfterReload(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	merged, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)

	reloaded := newLoadedReconciler(t, store, listing.ID).Snapshot()
	require.Len(t, reloaded.AllKeywordStats, len(merged.AllKeywordStats))
	for i := range merged.AllKeywordStats {
		assert.Equal(t, merged.AllKeywordStats[i].ID, reloaded.AllKeywordStats[i].ID)
	}
	assert.Equal(t, AvailableModes(merged.AllEvaluations), AvailableModes(reloaded.AllEvaluations))
}

func TestReconciler_ResetPoolTouchesOnlyItsMode(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	before, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)
	sniperBefore := evaluationByMode(t, before.AllEvaluations, models.ModeSniper)
	balancedBefore := evaluationByMode(t, before.AllEvaluations, models.ModeBalanced)

	clock.Advance(time.Minute)
	reset := `{"seo_mode": "balanced", "strength": 64, "keywords": [{"keyword": "minimal boho poster", "search_volume": 400}]}`
	after, err := r.IngestJob(ctx, mustParse(t, reset), models.ModeBalanced)
	require.NoError(t, err)

	balancedAfter := evaluationByMode(t, after.AllEvaluations, models.ModeBalanced)
	sniperAfter := evaluationByMode(t, after.AllEvaluations, models.ModeSniper)
	assert.Equal(t, balancedBefore.ID, balancedAfter.ID)
	assert.True(t, balancedAfter.UpdatedAt.After(balancedBefore.UpdatedAt))
	assert.Equal(t, 64.0, balancedAfter.Strength)
	assert.Equal(t, sniperBefore.UpdatedAt, sniperAfter.UpdatedAt)

	evals, err := store.LoadEvaluations(ctx, listing.ID)
	require.NoError(t, err)
	stored := evaluationByMode(t, evals, models.ModeSniper)
	assert.True(t, stored.UpdatedAt.Equal(sniperBefore.UpdatedAt))
	assert.Equal(t, 88.0, stored.Strength)

	require.NotNil(t, after.ActiveResult)
	require.Len(t, after.ActiveResult.Keywords, 1)
	assert.Equal(t, "minimal boho poster", after.ActiveResult.Keywords[0].Tag)
	assert.Len(t, after.AllKeywordStats, 2, "new balanced pool plus the untouched sniper pool")
}

func TestReconciler_OnlyModeFiltersBatchedOutput(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	v, err := r.IngestJob(ctx, mustParse(t, batchedOutput), models.ModeSniper)
	require.NoError(t, err)
	assert.Equal(t, []string{models.ModeSniper}, AvailableModes(v.AllEvaluations))
	assert.Nil(t, v.ActiveResult, "balanced is selected but was not ingested")

	_, err = r.IngestJob(ctx, mustParse(t, batchedOutput), models.ModeBroad)
	assert.ErrorIs(t, err, ErrEmptyJobOutput)
}

func TestReconciler_RecalculateScoresIsolatesModes(t *testing.T) {
	store, clock := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	before, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)
	sniperBefore := evaluationByMode(t, before.AllEvaluations, models.ModeSniper)

	var subset []string
	for _, k := range before.ActiveResult.Pool() {
		if k.Tag != "gift idea" {
			subset = append(subset, k.ID)
		}
	}
	require.Len(t, subset, 2)

	clock.Advance(time.Minute)
	fields := evaluationByMode(t, before.AllEvaluations, models.ModeBalanced).EvaluationFields
	fields.Strength = 81
	after, err := r.RecalculateScores(ctx, models.ModeBalanced, fields, subset)
	require.NoError(t, err)

	assert.Equal(t, 81.0, after.ActiveResult.Evaluation.Strength)
	assert.Len(t, after.ActiveResult.Selected(), 2)
	assert.Len(t, after.ActiveResult.Pool(), 3, "pool membership is untouched")
	for _, k := range after.ActiveResult.Pool() {
		if k.Tag == "gift idea" {
			assert.False(t, k.IsCurrentEval)
			assert.Equal(t, 20.0, k.OpportunityScore)
		}
	}

	sniperAfter := evaluationByMode(t, after.AllEvaluations, models.ModeSniper)
	assert.Equal(t, sniperBefore, sniperAfter)

	stats, err := store.LoadKeywordStats(ctx, listing.ID)
	require.NoError(t, err)
	for _, k := range stats {
		if k.BelongsTo(sniperBefore.ID) {
			assert.True(t, k.IsCurrentEval)
			assert.True(t, k.UpdatedAt.Equal(sniperBefore.UpdatedAt))
		}
	}

	_, err = r.RecalculateScores(ctx, models.ModeBroad, fields, nil)
	var unavailable *UnavailableModeError
	assert.ErrorAs(t, err, &unavailable)
}

func TestReconciler_AddKeyword(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	_, err := r.AddKeyword(ctx, models.ModeBalanced, models.KeywordStat{Tag: "boho"})
	var unavailable *UnavailableModeError
	require.ErrorAs(t, err, &unavailable, "no evaluation for the selected mode yet")

	_, err = r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)
	_, err = r.IngestCompetitors(ctx, []models.KeywordStat{{Tag: "Rival Poster"}}, "")
	require.NoError(t, err)

	row, err := r.AddKeyword(ctx, models.ModeBalanced, models.KeywordStat{Tag: "  Rival Poster ", SearchVolume: 50})
	require.NoError(t, err, "competitor rows do not count as duplicates")
	assert.Equal(t, "Rival Poster", row.Tag)
	assert.True(t, row.IsCurrentPool)
	assert.False(t, row.IsCurrentEval)

	v := r.Snapshot()
	assert.Len(t, v.ActiveResult.Pool(), 4)

	_, err = r.AddKeyword(ctx, models.ModeBalanced, models.KeywordStat{Tag: "BOHO PRINT"})
	var dup *DuplicateKeywordError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "BOHO PRINT", dup.Keyword)

	_, err = r.AddKeyword(ctx, models.ModeBalanced, models.KeywordStat{Tag: "Sage Boho Nursery Print"})
	assert.ErrorAs(t, err, &dup, "own keywords of other modes count as duplicates")

	_, err = r.AddKeyword(ctx, models.ModeBalanced, models.KeywordStat{Tag: "  "})
	assert.ErrorIs(t, err, ErrEmptyKeyword)

	assert.Equal(t, viewsJSON(t, v), viewsJSON(t, r.Snapshot()), "rejections leave views unchanged")
}

func TestReconciler_SetPoolMembership(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	v, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)
	target := v.ActiveResult.Pool()[0]

	v, err = r.SetPoolMembership(ctx, []string{target.ID}, false)
	require.NoError(t, err)
	assert.Len(t, v.ActiveResult.Pool(), 2)
	assert.Len(t, v.ActiveResult.Selected(), 2)
	assert.Len(t, v.AllKeywordStats, 4, "rows are not deleted")

	v, err = r.SetPoolMembership(ctx, []string{target.ID}, true)
	require.NoError(t, err)
	assert.Len(t, v.ActiveResult.Pool(), 3)
	assert.Len(t, v.ActiveResult.Selected(), 2)
}

func TestReconciler_IngestCompetitors(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	_, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)

	v, err := r.IngestCompetitors(ctx, []models.KeywordStat{{Tag: "a"}, {Tag: "b"}}, "boho minimal")
	require.NoError(t, err)
	assert.Len(t, v.ActiveResult.Competitors(), 2)

	v, err = r.IngestCompetitors(ctx, []models.KeywordStat{{Tag: "c"}}, "")
	require.NoError(t, err)
	assert.Len(t, v.ActiveResult.Competitors(), 1)
	assert.Len(t, v.AllKeywordStats, 5)

	sniper, err := r.SwitchMode(models.ModeSniper)
	require.NoError(t, err)
	assert.Len(t, sniper.Competitors(), 1, "competitor rows are shared across modes")

	got, err := store.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, "boho minimal", got.CompetitorSeed)
}

func TestReconciler_SwitchMode(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	_, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)

	res, err := r.SwitchMode(models.ModeSniper)
	require.NoError(t, err)
	assert.Equal(t, 88.0, res.Evaluation.Strength)
	assert.Equal(t, models.ModeSniper, r.Mode())

	before := r.Snapshot()
	_, err = r.SwitchMode(models.ModeBroad)
	var unavailable *UnavailableModeError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, models.ModeBroad, unavailable.Mode)
	assert.Equal(t, viewsJSON(t, before), viewsJSON(t, r.Snapshot()))
}

func TestReconciler_NonActiveIngestLeavesActiveResult(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, store)
	r := newLoadedReconciler(t, store, listing.ID)

	v, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)
	active := v.ActiveResult

	v, err = r.IngestJob(ctx, mustParse(t, `{"seo_mode": "sniper", "strength": 99}`), "")
	require.NoError(t, err)
	assert.Equal(t, active, v.ActiveResult)
	assert.Equal(t, 99.0, evaluationByMode(t, v.AllEvaluations, models.ModeSniper).Strength)
	assert.Len(t, v.AllKeywordStats, 4, "a payload without keywords keeps the pool")
}

// failingStore lässt ausgewählte Operationen fehlschlagen.
type failingStore struct {
	*storage.EvaluationStore
	failReplace bool
	failUpdate  bool
}

func (s *failingStore) ReplaceKeywordPool(ctx context.Context, evaluationID string, competition bool, rows []models.KeywordStat) ([]models.KeywordStat, error) {
	if s.failReplace {
		return nil, &storage.PartialReplacementError{Scope: "evaluation " + evaluationID, Expected: len(rows)}
	}
	return s.EvaluationStore.ReplaceKeywordPool(ctx, evaluationID, competition, rows)
}

func (s *failingStore) UpdateEvaluationFields(ctx context.Context, evaluationID string, fields models.EvaluationFields) (*models.Evaluation, error) {
	if s.failUpdate {
		return nil, &storage.StoreError{Op: "update_evaluation_fields", Err: errors.New("connection reset")}
	}
	return s.EvaluationStore.UpdateEvaluationFields(ctx, evaluationID, fields)
}

func TestReconciler_StoreErrorLeavesViewsUnchanged(t *testing.T) {
	base, _ := setupStore(t)
	ctx := context.Background()
	listing := createListing(t, base)
	store := &failingStore{EvaluationStore: base}
	r := newLoadedReconciler(t, store, listing.ID)

	_, err := r.IngestJob(ctx, mustParse(t, batchedOutput), "")
	require.NoError(t, err)
	before := r.Snapshot()

	store.failReplace = true
	_, err = r.IngestJob(ctx, mustParse(t, `{"seo_mode": "balanced", "strength": 1, "keywords": ["x"]}`), "")
	var partial *storage.PartialReplacementError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, viewsJSON(t, before), viewsJSON(t, r.Snapshot()))

	store.failReplace = false
	store.failUpdate = true
	_, err = r.RecalculateScores(ctx, models.ModeBalanced, models.EvaluationFields{Strength: 5}, nil)
	var se *storage.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, viewsJSON(t, before), viewsJSON(t, r.Snapshot()))
}
