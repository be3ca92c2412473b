package services

import (
	"sort"

	"etsy-penny/models"
)

// Views sind die drei In-Memory-Sichten einer geöffneten Listing-Sitzung.
// Sie werden nie in-place verändert: jedes Apply erzeugt neue Slices.
type Views struct {
	Mode            string               `json:"seo_mode"`
	ActiveResult    *ProjectedResult     `json:"active_result"`
	AllEvaluations  []models.Evaluation  `json:"all_evaluations"`
	AllKeywordStats []models.KeywordStat `json:"all_keyword_stats"`
}

// Event ist eine vom Store bestätigte Änderung, die alle drei Sichten gleich verarbeiten.
type Event interface {
	event()
}

// EvaluationChanged: eine Evaluation wurde angelegt oder aktualisiert.
type EvaluationChanged struct {
	Evaluation models.Evaluation
}

// KeywordSetReplaced: der komplette Keyword-Satz einer Evaluation (oder, mit Competition,
// die Konkurrenz-Keywords des Listings) wurde ausgetauscht.
type KeywordSetReplaced struct {
	EvaluationID string
	Competition  bool
	Rows         []models.KeywordStat
}

// KeywordsPatched: bestehende Zeilen haben neue Flags, gematcht über die ID.
type KeywordsPatched struct {
	Rows []models.KeywordStat
}

// KeywordAdded: ein einzelnes Keyword kam hinzu.
type KeywordAdded struct {
	Row models.KeywordStat
}

// ModeSelected: der angezeigte Modus wurde gewechselt.
type ModeSelected struct {
	Mode string
}

func (EvaluationChanged) event()  {}
func (KeywordSetReplaced) event() {}
func (KeywordsPatched) event()    {}
func (KeywordAdded) event()       {}
func (ModeSelected) event()       {}

// Apply führt die Events nacheinander durch die Reducer aller drei Sichten.
func (v Views) Apply(events ...Event) Views {
	for _, e := range events {
		evals := reduceEvaluations(v.AllEvaluations, e)
		stats := reduceKeywordStats(v.AllKeywordStats, e)
		mode := v.Mode
		if ms, ok := e.(ModeSelected); ok {
			mode = ms.Mode
		}
		active := reduceActive(v.ActiveResult, v.Mode, mode, evals, stats, e)
		v = Views{Mode: mode, ActiveResult: active, AllEvaluations: evals, AllKeywordStats: stats}
	}
	return v
}

func reduceEvaluations(evals []models.Evaluation, e Event) []models.Evaluation {
	ec, ok := e.(EvaluationChanged)
	if !ok {
		return evals
	}
	out := make([]models.Evaluation, 0, len(evals)+1)
	replaced := false
	for _, ev := range evals {
		if ev.ListingID == ec.Evaluation.ListingID && ev.SEOMode == ec.Evaluation.SEOMode {
			out = append(out, cloneEvaluation(ec.Evaluation))
			replaced = true
			continue
		}
		out = append(out, ev)
	}
	if !replaced {
		out = append(out, cloneEvaluation(ec.Evaluation))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SEOMode < out[j].SEOMode })
	return out
}

func reduceKeywordStats(stats []models.KeywordStat, e Event) []models.KeywordStat {
	var out []models.KeywordStat
	switch ev := e.(type) {
	case KeywordSetReplaced:
		out = make([]models.KeywordStat, 0, len(stats)+len(ev.Rows))
		for _, k := range stats {
			if ev.Competition && k.IsCompetition {
				continue
			}
			if !ev.Competition && !k.IsCompetition && k.BelongsTo(ev.EvaluationID) {
				continue
			}
			out = append(out, k)
		}
		out = append(out, cloneKeywords(ev.Rows)...)
	case KeywordsPatched:
		patch := make(map[string]models.KeywordStat, len(ev.Rows))
		for _, k := range ev.Rows {
			patch[k.ID] = k
		}
		out = make([]models.KeywordStat, 0, len(stats))
		for _, k := range stats {
			if p, ok := patch[k.ID]; ok {
				k = cloneKeywords([]models.KeywordStat{p})[0]
			}
			out = append(out, k)
		}
	case KeywordAdded:
		out = make([]models.KeywordStat, 0, len(stats)+1)
		for _, k := range stats {
			if k.ID != ev.Row.ID {
				out = append(out, k)
			}
		}
		out = append(out, cloneKeywords([]models.KeywordStat{ev.Row})...)
	default:
		return stats
	}
	sortKeywordStats(out)
	return out
}

// reduceActive baut die aktive Projektion nur neu, wenn das Event den angezeigten Modus betrifft.
func reduceActive(active *ProjectedResult, prevMode, mode string, evals []models.Evaluation, stats []models.KeywordStat, e Event) *ProjectedResult {
	rebuild := false
	switch ev := e.(type) {
	case ModeSelected:
		rebuild = true
	case EvaluationChanged:
		rebuild = ev.Evaluation.SEOMode == mode
	case KeywordSetReplaced:
		rebuild = ev.Competition || activeEvaluationID(evals, mode) == ev.EvaluationID
	case KeywordsPatched:
		id := activeEvaluationID(evals, mode)
		for _, k := range ev.Rows {
			if k.BelongsTo(id) || k.IsCompetition {
				rebuild = true
				break
			}
		}
	case KeywordAdded:
		rebuild = ev.Row.BelongsTo(activeEvaluationID(evals, mode))
	}
	if !rebuild && prevMode == mode {
		return active
	}
	res, ok := Select(mode, evals, stats)
	if !ok {
		return nil
	}
	return res
}

func activeEvaluationID(evals []models.Evaluation, mode string) string {
	for _, ev := range evals {
		if ev.SEOMode == mode {
			return ev.ID
		}
	}
	return ""
}

// sortKeywordStats bringt die Sicht in eine kanonische Reihenfolge:
// eigene Keywords je Evaluation nach Opportunity, Konkurrenz am Ende.
func sortKeywordStats(stats []models.KeywordStat) {
	evalID := func(k *models.KeywordStat) string {
		if k.EvaluationID == nil {
			return ""
		}
		return *k.EvaluationID
	}
	sort.SliceStable(stats, func(i, j int) bool {
		a, b := &stats[i], &stats[j]
		if a.IsCompetition != b.IsCompetition {
			return !a.IsCompetition
		}
		if ea, eb := evalID(a), evalID(b); ea != eb {
			return ea < eb
		}
		if a.OpportunityScore != b.OpportunityScore {
			return a.OpportunityScore > b.OpportunityScore
		}
		if a.Tag != b.Tag {
			return a.Tag < b.Tag
		}
		return a.ID < b.ID
	})
}
