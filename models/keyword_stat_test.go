package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordID_Deterministic(t *testing.T) {
	a := KeywordID("eval-1", false, "Boho Wall Art")
	b := KeywordID("eval-1", false, "  boho wall art ")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, KeywordID("eval-2", false, "boho wall art"))
	assert.NotEqual(t, a, KeywordID("eval-1", true, "boho wall art"))
}

func TestKeywordStat_Trend(t *testing.T) {
	tests := []struct {
		name    string
		history []int64
		want    string
	}{
		{"empty", nil, TrendFlat},
		{"single", []int64{100}, TrendFlat},
		{"rising", []int64{100, 110, 120, 150, 180, 220}, TrendUp},
		{"falling", []int64{300, 280, 200, 150, 120, 90}, TrendDown},
		{"stable", []int64{100, 102, 98, 101, 99, 100}, TrendFlat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := KeywordStat{VolumeHistory: tt.history}
			assert.Equal(t, tt.want, k.Trend())
		})
	}
}

func TestKeywordStat_BelongsTo(t *testing.T) {
	id := "eval-1"
	k := KeywordStat{EvaluationID: &id}
	assert.True(t, k.BelongsTo("eval-1"))
	assert.False(t, k.BelongsTo("eval-2"))
	assert.False(t, (&KeywordStat{}).BelongsTo("eval-1"))
}

func TestKeywordStat_JSONCarriesTrend(t *testing.T) {
	k := KeywordStat{ID: "k1", Tag: "boho print", SearchVolume: 220, VolumeHistory: []int64{100, 110, 120, 150, 180, 220}}

	raw, err := json.Marshal(k)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, TrendUp, got["trend"])
	assert.Equal(t, "boho print", got["tag"])
	assert.Equal(t, 220.0, got["search_volume"])

	var back KeywordStat
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, k.Tag, back.Tag)
	assert.Equal(t, []int64(k.VolumeHistory), []int64(back.VolumeHistory))

	raw, err = json.Marshal([]KeywordStat{{Tag: "flat"}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"trend":"flat"`)
}
