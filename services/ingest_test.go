package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobOutput_BatchedObject(t *testing.T) {
	raw := []byte(`{
		"results": {
			"balanced": {
				"strength": 72,
				"visibility": 60, "relevance": 80, "conversion": 70, "competition": 40, "profit": 55,
				"justifications": {"visibility": "ok", "profit": "gut"},
				"improvement_plan": {"remove": ["gift"], "add": ["boho wall art"], "primary_action": "Titel kürzen"},
				"parameters": {"Volume": 0.3, "Competition": 0.2, "Transaction": 0.2, "Niche": 0.2, "CPC": 0.1},
				"keywords": [
					{"keyword": "Boho Print", "search_volume": 1200, "competition": 0.4, "opportunity_score": 77,
					 "volume_history": [100, 120, 140], "is_trending": true, "insight": "steigt", "insight_type": "positive"},
					{"keyword": "boho print ", "search_volume": 5},
					{"keyword": "wall art", "volume": "800", "competition": "high"}
				]
			},
			"sniper": {"global_strength": 88, "keywords": []}
		},
		"competitor_seed": "boho minimal"
	}`)

	out, err := ParseJobOutput(raw)
	require.NoError(t, err)
	require.Len(t, out.Modes, 2)

	balanced, ok := out.ModeResult("balanced")
	require.True(t, ok)
	assert.True(t, balanced.HasScores)
	assert.Equal(t, 72.0, balanced.Fields.Strength)
	assert.Equal(t, 40.0, balanced.Fields.Competition)
	assert.Equal(t, "gut", balanced.Fields.Justification.Profit)
	assert.Equal(t, []string{"gift"}, []string(balanced.Fields.ImprovementPlan.Remove))
	assert.Equal(t, "Titel kürzen", balanced.Fields.ImprovementPlan.PrimaryAction)
	assert.Equal(t, 0.3, balanced.Fields.Params.Volume)
	assert.Equal(t, 0.1, balanced.Fields.Params.CPC)

	require.True(t, balanced.HasKeywords)
	require.Len(t, balanced.Keywords, 2, "duplicate tags are collapsed")
	first := balanced.Keywords[0]
	assert.Equal(t, "Boho Print", first.Tag)
	assert.Equal(t, int64(1200), first.SearchVolume)
	require.NotNil(t, first.Competition)
	assert.Equal(t, 0.4, *first.Competition)
	assert.Equal(t, []int64{100, 120, 140}, []int64(first.VolumeHistory))
	assert.True(t, first.IsTrending)
	assert.True(t, first.InsightPositive)

	second := balanced.Keywords[1]
	assert.Equal(t, int64(800), second.SearchVolume)
	assert.Nil(t, second.Competition)
	assert.Equal(t, "high", second.CompetitionLabel)

	sniper, ok := out.ModeResult("sniper")
	require.True(t, ok)
	assert.Equal(t, 88.0, sniper.Fields.Strength)
	assert.True(t, sniper.HasKeywords)
	assert.Empty(t, sniper.Keywords)

	assert.True(t, out.HasCompetitorSeed)
	assert.Equal(t, "boho minimal", out.CompetitorSeed)
	assert.False(t, out.HasCompetitors)
}

func TestParseJobOutput_BatchedArray(t *testing.T) {
	raw := []byte(`{"results": [
		{"seo_mode": "broad", "strength": 50, "keywords": ["a", "b"]},
		{"seo_mode": "sniper", "strength": 90}
	]}`)

	out, err := ParseJobOutput(raw)
	require.NoError(t, err)
	require.Len(t, out.Modes, 2)
	assert.Equal(t, "broad", out.Modes[0].Mode)
	assert.Len(t, out.Modes[0].Keywords, 2)
	assert.False(t, out.Modes[1].HasKeywords)
}

func TestParseJobOutput_SingleMode(t *testing.T) {
	raw := []byte(`[{"seo_mode": "balanced", "stats": {"strength": "64.5", "profit": 12}, "keywords": [{"tag": "x"}]}]`)

	out, err := ParseJobOutput(raw)
	require.NoError(t, err)
	require.Len(t, out.Modes, 1)
	assert.Equal(t, "balanced", out.Modes[0].Mode)
	assert.Equal(t, 64.5, out.Modes[0].Fields.Strength)
	assert.Equal(t, 12.0, out.Modes[0].Fields.Profit)
	assert.Len(t, out.Only("balanced"), 1)
	assert.Empty(t, out.Only("sniper"))
}

func TestParseJobOutput_TopLevelArrayKeepsEveryMode(t *testing.T) {
	raw := []byte(`[
		{"seo_mode": "broad", "strength": 50, "keywords": ["a", "b"], "competitor_seed": "boho"},
		{"seo_mode": "sniper", "strength": 90, "keywords": ["c"]}
	]`)

	out, err := ParseJobOutput(raw)
	require.NoError(t, err)
	require.Len(t, out.Modes, 2)
	assert.Equal(t, "broad", out.Modes[0].Mode)
	assert.Equal(t, "sniper", out.Modes[1].Mode)
	assert.Equal(t, 90.0, out.Modes[1].Fields.Strength)
	assert.Len(t, out.Modes[1].Keywords, 1)
	assert.True(t, out.HasCompetitorSeed)
	assert.Equal(t, "boho", out.CompetitorSeed)
}

func TestParseJobOutput_ResultWithoutMode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		strength float64
		keywords int
	}{
		{"array", `[{"strength": 60, "keywords": ["a"]}]`, 60, 1},
		{"object", `{"strength": 1}`, 1, 0},
		{"stats only", `{"stats": {"strength": "42"}, "keywords": ["a", "b"]}`, 42, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ParseJobOutput([]byte(tt.raw))
			require.NoError(t, err)
			require.Len(t, out.Modes, 1)
			assert.Empty(t, out.Modes[0].Mode)
			assert.Equal(t, tt.strength, out.Modes[0].Fields.Strength)
			assert.Len(t, out.Modes[0].Keywords, tt.keywords)

			out.AssignMode("balanced")
			m, ok := out.ModeResult("balanced")
			require.True(t, ok)
			assert.Equal(t, tt.strength, m.Fields.Strength)
		})
	}
}

func TestJobOutput_AssignMode(t *testing.T) {
	named := &JobOutput{Modes: []ModeCompletion{{Mode: "sniper"}}}
	named.AssignMode("balanced")
	assert.Equal(t, "sniper", named.Modes[0].Mode, "named results keep their mode")

	ambiguous := &JobOutput{Modes: []ModeCompletion{{}, {}}}
	ambiguous.AssignMode("balanced")
	assert.Empty(t, ambiguous.Modes[0].Mode)
	assert.Empty(t, ambiguous.Modes[1].Mode)

	mixed := &JobOutput{Modes: []ModeCompletion{{Mode: "sniper"}, {}}}
	mixed.AssignMode("")
	assert.Empty(t, mixed.Modes[1].Mode)
	mixed.AssignMode("balanced")
	assert.Equal(t, "balanced", mixed.Modes[1].Mode)
}

func TestParseJobOutput_CompetitorsAndKeyword(t *testing.T) {
	out, err := ParseJobOutput([]byte(`{"competitor_keywords": [{"keyword": "rival", "competition": 0.9}], "keyword": {"keyword": "Neu", "search_volume": 10}}`))
	require.NoError(t, err)
	assert.Empty(t, out.Modes)
	require.True(t, out.HasCompetitors)
	require.Len(t, out.Competitors, 1)
	assert.Equal(t, "rival", out.Competitors[0].Tag)
	require.NotNil(t, out.Keyword)
	assert.Equal(t, "Neu", out.Keyword.Tag)
	assert.Equal(t, int64(10), out.Keyword.SearchVolume)
}

func TestParseJobOutput_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"scalar", `42`},
		{"results scalar", `{"results": 3}`},
		{"mode without name", `{"results": [{"strength": 1}]}`},
		{"empty array", `[]`},
		{"array of scalars", `[1, 2]`},
		{"keywords not array", `{"seo_mode": "broad", "keywords": "x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobOutput([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}
