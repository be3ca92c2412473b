package services

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"

	"etsy-penny/models"
)

// ModeCompletion ist das einheitliche Ergebnis eines Modus, egal ob der Worker
// mehrere Modi gebündelt oder einen einzelnen Modus gemeldet hat.
type ModeCompletion struct {
	Mode        string
	Fields      models.EvaluationFields
	HasScores   bool
	Keywords    []models.KeywordStat
	HasKeywords bool
}

// JobOutput ist die normalisierte Worker-Ausgabe.
type JobOutput struct {
	Modes []ModeCompletion

	CompetitorSeed    string
	HasCompetitorSeed bool
	Competitors       []models.KeywordStat
	HasCompetitors    bool

	Keyword *models.KeywordStat
}

// ModeResult liefert die Completion für mode, falls enthalten.
func (o *JobOutput) ModeResult(mode string) (ModeCompletion, bool) {
	for _, m := range o.Modes {
		if m.Mode == mode {
			return m, true
		}
	}
	return ModeCompletion{}, false
}

// AssignMode setzt mode für das einzige Ergebnis ohne eigenen Modus.
// Mehrere Ergebnisse ohne Modus sind mehrdeutig und bleiben leer.
func (o *JobOutput) AssignMode(mode string) {
	if mode == "" {
		return
	}
	var unnamed []int
	for i, m := range o.Modes {
		if m.Mode == "" {
			unnamed = append(unnamed, i)
		}
	}
	if len(unnamed) == 1 {
		o.Modes[unnamed[0]].Mode = mode
	}
}

// Only schränkt die Ausgabe auf einen Modus ein (leer = alle).
func (o *JobOutput) Only(mode string) []ModeCompletion {
	if mode == "" {
		return o.Modes
	}
	if m, ok := o.ModeResult(mode); ok {
		return []ModeCompletion{m}
	}
	return nil
}

// ParseJobOutput normalisiert die rohe Worker-Ausgabe. Unterstützte Formen:
//
//	{"results": {"broad": {...}, "balanced": {...}}}     gebündelt, Modus als Key
//	{"results": [{"seo_mode": "broad", ...}, ...]}       gebündelt, Modus im Objekt
//	[{"seo_mode": "broad", ...}, ...]                    wie results als Array
//	{"seo_mode": "balanced", ...}                        einzelner Modus
//
// plus optional competitor_seed, competitor_keywords und keyword (userKeyword).
// Im gebündelten Format ist seo_mode Pflicht. Ein einzelnes Ergebnis ohne seo_mode
// behält einen leeren Modus; AssignMode setzt dann den Modus des Jobs ein.
func ParseJobOutput(raw []byte) (*JobOutput, error) {
	data, dt, _, err := jsonparser.Get(raw)
	if err != nil {
		return nil, fmt.Errorf("parse job output: %w", err)
	}

	out := &JobOutput{}

	if dt == jsonparser.Array {
		modes, err := parseModeArray(data, false)
		if err != nil {
			return nil, fmt.Errorf("parse job output: %w", err)
		}
		out.Modes = modes
		// Zusatzfelder stehen, wenn überhaupt, im ersten Element.
		first, fdt, _, err := jsonparser.Get(data, "[0]")
		if err != nil {
			return nil, fmt.Errorf("parse job output: empty array: %w", err)
		}
		if fdt != jsonparser.Object {
			return nil, fmt.Errorf("parse job output: expected objects in array, got %s", fdt)
		}
		data, dt = first, fdt
	}
	if dt != jsonparser.Object {
		return nil, fmt.Errorf("parse job output: expected object, got %s", dt)
	}

	results, rdt, _, err := jsonparser.Get(data, "results")
	switch {
	case out.Modes != nil:
		// Array auf oberster Ebene, Modi schon gelesen.
	case err == nil && rdt == jsonparser.Object:
		err = jsonparser.ObjectEach(results, func(key, value []byte, vdt jsonparser.ValueType, _ int) error {
			if vdt != jsonparser.Object {
				return fmt.Errorf("mode %s: expected object", key)
			}
			mc, err := parseModeCompletion(value, string(key))
			if err != nil {
				return err
			}
			out.Modes = append(out.Modes, mc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("parse job output: %w", err)
		}
	case err == nil && rdt == jsonparser.Array:
		if out.Modes, err = parseModeArray(results, true); err != nil {
			return nil, fmt.Errorf("parse job output: %w", err)
		}
	case err == nil:
		return nil, fmt.Errorf("parse job output: results must be object or array, got %s", rdt)
	case !errors.Is(err, jsonparser.KeyPathNotFoundError):
		return nil, fmt.Errorf("parse job output: %w", err)
	default:
		if isModeResult(data) {
			mc, err := parseModeCompletion(data, "")
			if err != nil {
				return nil, fmt.Errorf("parse job output: %w", err)
			}
			out.Modes = append(out.Modes, mc)
		}
	}

	if seed, ok := strOK(data, "competitor_seed"); ok {
		out.CompetitorSeed, out.HasCompetitorSeed = seed, true
	}
	if rows, ok, err := parseKeywordArray(data, "competitor_keywords"); err != nil {
		return nil, fmt.Errorf("parse job output: competitor_keywords: %w", err)
	} else if ok {
		out.Competitors, out.HasCompetitors = rows, true
	}
	if kw, kdt, _, err := jsonparser.Get(data, "keyword"); err == nil {
		switch kdt {
		case jsonparser.Object:
			row := parseKeyword(kw)
			out.Keyword = &row
		case jsonparser.String:
			tag, _ := jsonparser.ParseString(kw)
			out.Keyword = &models.KeywordStat{Tag: tag}
		}
	}
	return out, nil
}

// parseModeArray liest jedes Objekt eines Arrays als Modus-Ergebnis.
func parseModeArray(arr []byte, requireMode bool) ([]ModeCompletion, error) {
	modes := []ModeCompletion{}
	var perr error
	_, err := jsonparser.ArrayEach(arr, func(value []byte, vdt jsonparser.ValueType, _ int, _ error) {
		if perr != nil || vdt != jsonparser.Object {
			return
		}
		if !requireMode && !isModeResult(value) {
			return
		}
		mc, err := parseModeCompletion(value, "")
		if err != nil {
			perr = err
			return
		}
		if requireMode && mc.Mode == "" {
			perr = errors.New("mode result without seo_mode")
			return
		}
		modes = append(modes, mc)
	})
	if err == nil {
		err = perr
	}
	return modes, err
}

// isModeResult meldet, ob ein Objekt ohne results selbst ein Modus-Ergebnis ist.
func isModeResult(data []byte) bool {
	for _, key := range []string{"seo_mode", "mode", "strength", "global_strength", "stats", "keywords"} {
		if _, _, _, err := jsonparser.Get(data, key); err == nil {
			return true
		}
	}
	return false
}

func parseModeCompletion(data []byte, mode string) (ModeCompletion, error) {
	if mode == "" {
		mode = str(data, "seo_mode", "mode")
	}
	mc := ModeCompletion{Mode: mode}

	scores := data
	if nested, dt, _, err := jsonparser.Get(data, "stats"); err == nil && dt == jsonparser.Object {
		scores = nested
	}
	var ok bool
	f := &mc.Fields
	f.Strength, ok = num(scores, "strength", "global_strength")
	mc.HasScores = ok
	f.Visibility, _ = num(scores, "visibility")
	f.Relevance, _ = num(scores, "relevance")
	f.Conversion, _ = num(scores, "conversion")
	f.Competition, _ = num(scores, "competition")
	f.Profit, _ = num(scores, "profit")

	f.Justification = models.Justifications{
		Visibility:  str(data, "justifications.visibility", "justification_visibility"),
		Relevance:   str(data, "justifications.relevance", "justification_relevance"),
		Conversion:  str(data, "justifications.conversion", "justification_conversion"),
		Competition: str(data, "justifications.competition", "justification_competition"),
		Profit:      str(data, "justifications.profit", "justification_profit"),
	}
	f.ImprovementPlan = models.ImprovementPlan{
		Remove:        stringList(data, "improvement_plan.remove", "improvement_plan.keywords_to_remove"),
		Add:           stringList(data, "improvement_plan.add", "improvement_plan.keywords_to_add"),
		PrimaryAction: str(data, "improvement_plan.primary_action"),
	}
	f.Params.Volume, _ = num(data, "parameters.volume", "parameters.Volume")
	f.Params.Competition, _ = num(data, "parameters.competition", "parameters.Competition")
	f.Params.Transaction, _ = num(data, "parameters.transaction", "parameters.Transaction")
	f.Params.Niche, _ = num(data, "parameters.niche", "parameters.Niche")
	f.Params.CPC, _ = num(data, "parameters.cpc", "parameters.CPC")

	rows, hasKeywords, err := parseKeywordArray(data, "keywords")
	if err != nil {
		return ModeCompletion{}, fmt.Errorf("mode %s: keywords: %w", mode, err)
	}
	mc.Keywords, mc.HasKeywords = rows, hasKeywords
	return mc, nil
}

func parseKeywordArray(data []byte, key string) ([]models.KeywordStat, bool, error) {
	arr, dt, _, err := jsonparser.Get(data, key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) || (err == nil && dt == jsonparser.Null) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if dt != jsonparser.Array {
		return nil, false, fmt.Errorf("expected array, got %s", dt)
	}

	rows := []models.KeywordStat{}
	seen := map[string]bool{}
	_, err = jsonparser.ArrayEach(arr, func(value []byte, vdt jsonparser.ValueType, _ int, _ error) {
		var row models.KeywordStat
		switch vdt {
		case jsonparser.Object:
			row = parseKeyword(value)
		case jsonparser.String:
			row.Tag, _ = jsonparser.ParseString(value)
		default:
			return
		}
		norm := models.NormalizeTag(row.Tag)
		if norm == "" || seen[norm] {
			return
		}
		seen[norm] = true
		row.Tag = strings.TrimSpace(row.Tag)
		rows = append(rows, row)
	})
	return rows, true, err
}

// parseKeyword übersetzt einen Keyword-Datensatz des Workers in die KeywordStat-Form.
func parseKeyword(data []byte) models.KeywordStat {
	row := models.KeywordStat{
		Tag:             str(data, "keyword", "tag"),
		Insight:         str(data, "insight"),
		IntentLabel:     str(data, "intent_label", "intent"),
		IsTrending:      boolean(data, "is_trending"),
		IsEvergreen:     boolean(data, "is_evergreen"),
		IsPromising:     boolean(data, "is_promising"),
		IsTop:           boolean(data, "is_top"),
		InsightPositive: boolean(data, "insight_positive"),
		VolumeHistory:   volumes(data, "volume_history"),
	}
	if vol, ok := num(data, "search_volume", "volume", "avg_volume"); ok {
		row.SearchVolume = int64(vol)
	}
	row.OpportunityScore, _ = num(data, "opportunity_score")
	row.TransactionalIntent, _ = num(data, "transactional_intent", "transactional_score")
	row.NicheScore, _ = num(data, "niche_score")
	if t := strings.ToLower(str(data, "insight_type")); t != "" {
		row.InsightPositive = t == "positive"
	}

	// Competition ist meist 0..1, gelegentlich nur ein grobes Label.
	if v, dt, _, err := jsonparser.Get(data, "competition"); err == nil {
		switch dt {
		case jsonparser.Number:
			if c, err := jsonparser.ParseFloat(v); err == nil {
				row.Competition = &c
			}
		case jsonparser.String:
			s, _ := jsonparser.ParseString(v)
			if c, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				row.Competition = &c
			} else {
				row.CompetitionLabel = strings.ToLower(strings.TrimSpace(s))
			}
		}
	}
	return row
}

func path(p string) []string { return strings.Split(p, ".") }

func strOK(data []byte, paths ...string) (string, bool) {
	for _, p := range paths {
		v, err := jsonparser.GetString(data, path(p)...)
		if err == nil {
			return v, true
		}
	}
	return "", false
}

func str(data []byte, paths ...string) string {
	v, _ := strOK(data, paths...)
	return v
}

// num akzeptiert Zahlen und numerische Strings.
func num(data []byte, paths ...string) (float64, bool) {
	for _, p := range paths {
		v, dt, _, err := jsonparser.Get(data, path(p)...)
		if err != nil {
			continue
		}
		switch dt {
		case jsonparser.Number:
			if f, err := jsonparser.ParseFloat(v); err == nil {
				return f, true
			}
		case jsonparser.String:
			if f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func boolean(data []byte, paths ...string) bool {
	for _, p := range paths {
		if b, err := jsonparser.GetBoolean(data, path(p)...); err == nil {
			return b
		}
	}
	return false
}

func stringList(data []byte, paths ...string) []string {
	for _, p := range paths {
		arr, dt, _, err := jsonparser.Get(data, path(p)...)
		if err != nil || dt != jsonparser.Array {
			continue
		}
		out := []string{}
		jsonparser.ArrayEach(arr, func(value []byte, vdt jsonparser.ValueType, _ int, _ error) {
			if vdt == jsonparser.String {
				s, _ := jsonparser.ParseString(value)
				out = append(out, s)
			}
		})
		return out
	}
	return nil
}

// volumes liest die Historie als Zahlen oder als Objekte mit search_volume/volume.
func volumes(data []byte, p string) []int64 {
	arr, dt, _, err := jsonparser.Get(data, path(p)...)
	if err != nil || dt != jsonparser.Array {
		return nil
	}
	out := []int64{}
	jsonparser.ArrayEach(arr, func(value []byte, vdt jsonparser.ValueType, _ int, _ error) {
		switch vdt {
		case jsonparser.Number:
			if f, err := jsonparser.ParseFloat(value); err == nil {
				out = append(out, int64(f))
			}
		case jsonparser.Object:
			if f, ok := num(value, "search_volume", "volume"); ok {
				out = append(out, int64(f))
			}
		}
	})
	return out
}
