package services

import (
	"sort"

	"etsy-penny/models"
)

// ProjectedResult ist das, was für den gewählten Modus angezeigt wird:
// die Evaluation, ihre eigenen Keywords und die Konkurrenz-Keywords des Listings.
type ProjectedResult struct {
	Mode       string               `json:"seo_mode"`
	Evaluation models.Evaluation    `json:"evaluation"`
	Keywords   []models.KeywordStat `json:"keywords"`
}

// Pool liefert die eigenen Keywords, die aktuell im Pool sind.
func (p *ProjectedResult) Pool() []models.KeywordStat {
	return p.filter(func(k *models.KeywordStat) bool { return !k.IsCompetition && k.IsCurrentPool })
}

// Selected liefert die Keywords der letzten Score-Berechnung.
func (p *ProjectedResult) Selected() []models.KeywordStat {
	return p.filter(func(k *models.KeywordStat) bool { return !k.IsCompetition && k.IsCurrentEval })
}

// Competitors liefert die modusübergreifenden Konkurrenz-Keywords.
func (p *ProjectedResult) Competitors() []models.KeywordStat {
	return p.filter(func(k *models.KeywordStat) bool { return k.IsCompetition })
}

func (p *ProjectedResult) filter(keep func(*models.KeywordStat) bool) []models.KeywordStat {
	var out []models.KeywordStat
	for i := range p.Keywords {
		if keep(&p.Keywords[i]) {
			out = append(out, p.Keywords[i])
		}
	}
	return out
}

// Select projiziert die Evaluation des Modus samt Keywords. Fehlt sie, ist das Ergebnis
// (nil, false); es wird nie auf einen anderen Modus ausgewichen.
func Select(mode string, evals []models.Evaluation, stats []models.KeywordStat) (*ProjectedResult, bool) {
	var ev *models.Evaluation
	for i := range evals {
		if evals[i].SEOMode == mode {
			ev = &evals[i]
			break
		}
	}
	if ev == nil {
		return nil, false
	}

	keywords := make([]models.KeywordStat, 0, len(stats))
	for _, k := range stats {
		if k.BelongsTo(ev.ID) && !k.IsCompetition {
			keywords = append(keywords, k)
		}
	}
	for _, k := range stats {
		if k.IsCompetition && k.ListingID == ev.ListingID {
			keywords = append(keywords, k)
		}
	}

	return &ProjectedResult{Mode: mode, Evaluation: cloneEvaluation(*ev), Keywords: cloneKeywords(keywords)}, true
}

// AvailableModes liefert die Modi mit geladener Evaluation, sortiert.
func AvailableModes(evals []models.Evaluation) []string {
	seen := make(map[string]bool, len(evals))
	modes := make([]string, 0, len(evals))
	for _, ev := range evals {
		if !seen[ev.SEOMode] {
			seen[ev.SEOMode] = true
			modes = append(modes, ev.SEOMode)
		}
	}
	sort.Strings(modes)
	return modes
}

// cloneEvaluation kopiert auch die Slices des Verbesserungsplans,
// damit eine Projektion nie Speicher mit den Views teilt.
func cloneEvaluation(ev models.Evaluation) models.Evaluation {
	ev.ImprovementPlan.Remove = append(ev.ImprovementPlan.Remove[:0:0], ev.ImprovementPlan.Remove...)
	ev.ImprovementPlan.Add = append(ev.ImprovementPlan.Add[:0:0], ev.ImprovementPlan.Add...)
	return ev
}

func cloneKeywords(rows []models.KeywordStat) []models.KeywordStat {
	out := make([]models.KeywordStat, len(rows))
	for i, k := range rows {
		if k.Competition != nil {
			c := *k.Competition
			k.Competition = &c
		}
		if k.EvaluationID != nil {
			id := *k.EvaluationID
			k.EvaluationID = &id
		}
		k.VolumeHistory = append(k.VolumeHistory[:0:0], k.VolumeHistory...)
		out[i] = k
	}
	return out
}
