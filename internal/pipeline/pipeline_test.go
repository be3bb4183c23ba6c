package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	playbook "github.com/parchmint/playbook-engine"
)

func TestChunkerShortTextSingleChunk(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100})

	chunks, err := c.Split("a short document")

	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short document", chunks[0])
}

func TestChunkerEmptyTextSingleChunk(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())

	chunks, err := c.Split("")

	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestChunkerLongTextMultipleChunks(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 50, ChunkOverlap: 5})

	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("The quick brown fox jumps over the lazy dog.\n\n")
	}

	chunks, err := c.Split(b.String())

	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.NotEmpty(t, chunk)
	}
}

func TestForEachChunkVisitsInOrder(t *testing.T) {
	var visited []int
	err := ForEachChunk(context.Background(), []string{"a", "b", "c"}, func(_ context.Context, i int, _ string) error {
		visited = append(visited, i)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, visited)
}

func TestForEachChunkStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	err := ForEachChunk(ctx, []string{"a", "b", "c"}, func(_ context.Context, i int, _ string) error {
		calls++
		if i == 0 {
			cancel()
		}
		return nil
	})

	require.Error(t, err)
	assert.True(t, playbook.HasCode(err, playbook.ErrCodeCancelled))
	assert.Equal(t, 1, calls)
}

func TestForEachChunkPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := ForEachChunk(context.Background(), []string{"a", "b"}, func(_ context.Context, _ int, _ string) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestMeanConfidence(t *testing.T) {
	assert.Equal(t, 0.0, MeanConfidence(nil))
	assert.InDelta(t, 0.5, MeanConfidence([]float64{0.25, 0.75}), 1e-9)
	// Out-of-range inputs are clamped before averaging.
	assert.InDelta(t, 0.5, MeanConfidence([]float64{1.5, -0.5}), 1e-9)
	assert.InDelta(t, 1.0, MeanConfidence([]float64{1.5}), 1e-9)
}

type extracted struct {
	Key        string
	Value      string
	Confidence float64
}

func TestDedupeMaxConfidenceKeepsHigher(t *testing.T) {
	items := []extracted{
		{Key: "invoice_number", Value: "INV-1", Confidence: 0.6},
		{Key: "total", Value: "100", Confidence: 0.9},
		{Key: "invoice_number", Value: "INV-1", Confidence: 0.8},
	}

	out := DedupeMaxConfidence(items,
		func(e extracted) string { return e.Key },
		func(e extracted) float64 { return e.Confidence })

	require.Len(t, out, 2)
	// First-seen order preserved; duplicate replaced by the higher-confidence copy.
	assert.Equal(t, "invoice_number", out[0].Key)
	assert.InDelta(t, 0.8, out[0].Confidence, 1e-9)
	assert.Equal(t, "total", out[1].Key)
}

func TestDedupeMaxConfidenceKeepsFirstOnTie(t *testing.T) {
	items := []extracted{
		{Key: "k", Value: "first", Confidence: 0.7},
		{Key: "k", Value: "second", Confidence: 0.7},
	}

	out := DedupeMaxConfidence(items,
		func(e extracted) string { return e.Key },
		func(e extracted) float64 { return e.Confidence })

	require.Len(t, out, 1)
	assert.Equal(t, "first", out[0].Value)
}

func TestTotalsByCategoryConvertsCurrencies(t *testing.T) {
	items := []Amount{
		{Category: "travel", Currency: "USD", Value: 100},
		{Category: "travel", Currency: "EUR", Value: 50},
		{Category: "meals", Currency: "USD", Value: 20},
	}
	convert := StaticRates("USD", map[string]float64{"EUR": 1.1})

	totals, unconverted := TotalsByCategory(items, convert)

	assert.Empty(t, unconverted)
	assert.InDelta(t, 155.0, totals["travel"], 1e-9)
	assert.InDelta(t, 20.0, totals["meals"], 1e-9)
}

func TestTotalsByCategoryReportsUnconvertible(t *testing.T) {
	items := []Amount{
		{Category: "travel", Currency: "GBP", Value: 10},
		{Category: "travel", Currency: "GBP", Value: 5},
	}
	convert := StaticRates("USD", nil)

	totals, unconverted := TotalsByCategory(items, convert)

	assert.Equal(t, []string{"GBP"}, unconverted)
	assert.InDelta(t, 15.0, totals["travel"], 1e-9)
}

func TestTotalsByCurrency(t *testing.T) {
	items := []Amount{
		{Currency: "USD", Value: 1},
		{Currency: "USD", Value: 2},
		{Currency: "EUR", Value: 3},
	}

	totals := TotalsByCurrency(items)

	assert.InDelta(t, 3.0, totals["USD"], 1e-9)
	assert.InDelta(t, 3.0, totals["EUR"], 1e-9)
}

type summarizeConfig struct {
	MaxLength int    `json:"max_length" validate:"omitempty,gt=0"`
	Style     string `json:"style" validate:"omitempty,oneof=brief detailed"`
}

func TestDecodeConfigValid(t *testing.T) {
	var cfg summarizeConfig
	result := DecodeConfig(json.RawMessage(`{"max_length": 200, "style": "brief"}`), &cfg)

	assert.True(t, result.IsValid)
	assert.Equal(t, 200, cfg.MaxLength)
}

func TestDecodeConfigNilRawIsValid(t *testing.T) {
	var cfg summarizeConfig
	result := DecodeConfig(nil, &cfg)

	assert.True(t, result.IsValid)
}

func TestDecodeConfigMalformedJSON(t *testing.T) {
	var cfg summarizeConfig
	result := DecodeConfig(json.RawMessage(`{"max_length": `), &cfg)

	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Errors)
}

func TestDecodeConfigTagViolation(t *testing.T) {
	var cfg summarizeConfig
	result := DecodeConfig(json.RawMessage(`{"style": "haiku"}`), &cfg)

	assert.False(t, result.IsValid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "oneof")
}

func TestCheckParametersRequired(t *testing.T) {
	specs := []playbook.ParameterSpec{
		{Name: "categories", Type: "array", Required: true},
	}

	violations := CheckParameters(specs, map[string]any{})

	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "categories")
}

func TestCheckParametersRequiredWithDefaultIsFine(t *testing.T) {
	specs := []playbook.ParameterSpec{
		{Name: "style", Type: "string", Required: true, Default: "brief"},
	}

	assert.Empty(t, CheckParameters(specs, map[string]any{}))
}

func TestCheckParametersEnum(t *testing.T) {
	specs := []playbook.ParameterSpec{
		{Name: "style", Type: "string", Enum: []string{"brief", "detailed"}},
	}

	assert.Empty(t, CheckParameters(specs, map[string]any{"style": "brief"}))
	assert.Len(t, CheckParameters(specs, map[string]any{"style": "haiku"}), 1)
}

func TestCheckParametersBounds(t *testing.T) {
	min, max := 0.0, 1.0
	specs := []playbook.ParameterSpec{
		{Name: "temperature", Type: "number", Min: &min, Max: &max},
	}

	assert.Empty(t, CheckParameters(specs, map[string]any{"temperature": 0.5}))
	assert.Len(t, CheckParameters(specs, map[string]any{"temperature": 1.5}), 1)
	assert.Len(t, CheckParameters(specs, map[string]any{"temperature": -0.1}), 1)
	assert.Len(t, CheckParameters(specs, map[string]any{"temperature": "hot"}), 1)
}
