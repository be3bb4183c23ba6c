package handlers

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	playbook "github.com/parchmint/playbook-engine"
)

func TestExtractDedupesByFieldAndValue(t *testing.T) {
	responses := []string{
		`[{"field": "invoice_number", "value": "INV-1", "confidence": 0.6},
		  {"field": "total", "value": "100", "confidence": 0.9}]`,
		`[{"field": "invoice_number", "value": "INV-1", "confidence": 0.8}]`,
	}
	var i int
	var mu sync.Mutex
	service := &fakeService{respond: func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := responses[i%len(responses)]
		i++
		return r, nil
	}}
	h := NewExtractHandler(service, WithChunker(smallChunker()))

	res, err := h.Execute(context.Background(), testExecCtx(multiChunkDoc()), testNode(ToolTypeExtract, ""))

	require.NoError(t, err)
	require.True(t, res.Success)

	items := res.Data["items"].([]ExtractedItem)
	byKey := make(map[string]ExtractedItem)
	for _, it := range items {
		byKey[it.Field+"/"+it.Value] = it
	}
	require.Contains(t, byKey, "invoice_number/INV-1")
	// duplicate collapsed to one, keeping the higher confidence
	assert.InDelta(t, 0.8, byKey["invoice_number/INV-1"].Confidence, 1e-9)

	counts := make(map[string]int)
	for _, it := range items {
		counts[it.Field+"/"+it.Value]++
	}
	for key, n := range counts {
		assert.Equal(t, 1, n, "duplicate item %s", key)
	}
}

func TestExtractMalformedOutputIsEmptySuccess(t *testing.T) {
	service := constService("I could not find any structured fields, sorry!")
	h := NewExtractHandler(service)

	res, err := h.Execute(context.Background(), testExecCtx("short doc"), testNode(ToolTypeExtract, ""))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Data["items"])
	assert.Equal(t, 0.0, res.Confidence)
	assert.Empty(t, res.ErrorCode)
}

func TestExtractConfidenceIsMeanOfItems(t *testing.T) {
	service := constService(`[{"field": "a", "value": "1", "confidence": 0.4},
		{"field": "b", "value": "2", "confidence": 0.8}]`)
	h := NewExtractHandler(service)

	res, err := h.Execute(context.Background(), testExecCtx("short doc"), testNode(ToolTypeExtract, ""))

	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
}

func TestExtractFieldListFlowsIntoPrompt(t *testing.T) {
	service := constService(`[]`)
	h := NewExtractHandler(service)

	_, err := h.Execute(context.Background(), testExecCtx("short doc"), testNode(ToolTypeExtract, `{"fields": ["invoice_number", "total"]}`))

	require.NoError(t, err)
	require.Equal(t, 1, service.callCount())
	assert.Contains(t, service.prompts[0], "invoice_number")
}

func TestExtractCancellationBeforeCallMakesNoCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	service := constService(`[]`)
	h := NewExtractHandler(service)

	res, err := h.Execute(ctx, testExecCtx("short doc"), testNode(ToolTypeExtract, ""))

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, playbook.ErrCodeCancelled, res.ErrorCode)
	assert.Equal(t, 0, service.callCount())
}
