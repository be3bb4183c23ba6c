package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	playbook "github.com/parchmint/playbook-engine"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord() playbook.AuditRecord {
	return playbook.AuditRecord{
		TenantID:   "tenant-1",
		DocumentID: "doc-1",
		RunID:      "run-1",
		NodeID:     "node-1",
		ToolName:   "Summarizer",
		Summary:    "a summary",
		Confidence: 0.9,
	}
}

func testFields() playbook.SearchFields {
	return playbook.SearchFields{
		OutputVariable: "summary",
		ToolName:       "Summarizer",
		Summary:        "a summary",
		Confidence:     0.9,
		CompletedAt:    time.Now().UTC(),
	}
}

func TestAuditRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAuditRecord(ctx, testRecord())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.AuditRecordByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "node-1", got.NodeID)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAuditRecordNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AuditRecordByID(context.Background(), "missing-id")

	assert.Error(t, err)
}

func TestSearchFieldsMergeByOutputVariable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testFields()
	require.NoError(t, s.UpdateSearchFields(ctx, "doc-1", first))

	second := testFields()
	second.OutputVariable = "category"
	second.ToolName = "Classifier"
	require.NoError(t, s.UpdateSearchFields(ctx, "doc-1", second))

	fields, err := s.SearchFieldsByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "Summarizer", fields["summary"].ToolName)
	assert.Equal(t, "Classifier", fields["category"].ToolName)
}

func TestUpdateSearchFieldsEmptyDocumentID(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateSearchFields(context.Background(), "", testFields())

	assert.Error(t, err)
}

// flakyStore wraps a real store and fails selected operations.
type flakyStore struct {
	playbook.RecordStore
	failPrimary   bool
	failSecondary bool
}

func (f *flakyStore) CreateAuditRecord(ctx context.Context, rec playbook.AuditRecord) (string, error) {
	if f.failPrimary {
		return "", errors.New("primary store unavailable")
	}
	return f.RecordStore.CreateAuditRecord(ctx, rec)
}

func (f *flakyStore) UpdateSearchFields(ctx context.Context, documentID string, fields playbook.SearchFields) error {
	if f.failSecondary {
		return errors.New("secondary store unavailable")
	}
	return f.RecordStore.UpdateSearchFields(ctx, documentID, fields)
}

func TestDualWriterFullSuccess(t *testing.T) {
	s := openTestStore(t)
	w := NewDualWriter(s, nil)

	outcome := w.Persist(context.Background(), testRecord(), testFields())

	assert.Equal(t, playbook.StorageFullSuccess, outcome.Kind)
	assert.NotEmpty(t, outcome.RecordID)
	assert.True(t, outcome.Succeeded())
}

func TestDualWriterPartialSuccessOnSecondaryFailure(t *testing.T) {
	s := openTestStore(t)
	w := NewDualWriter(&flakyStore{RecordStore: s, failSecondary: true}, nil)

	outcome := w.Persist(context.Background(), testRecord(), testFields())

	assert.Equal(t, playbook.StoragePartialSuccess, outcome.Kind)
	assert.NotEmpty(t, outcome.RecordID)
	assert.True(t, outcome.Succeeded())
	assert.NotEmpty(t, outcome.Message)

	// The primary record landed and stays retrievable.
	got, err := s.AuditRecordByID(context.Background(), outcome.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
}

func TestDualWriterFailureOnPrimaryFailure(t *testing.T) {
	s := openTestStore(t)
	w := NewDualWriter(&flakyStore{RecordStore: s, failPrimary: true}, nil)

	outcome := w.Persist(context.Background(), testRecord(), testFields())

	assert.Equal(t, playbook.StorageFailure, outcome.Kind)
	assert.Empty(t, outcome.RecordID)
	assert.False(t, outcome.Succeeded())
}

func TestCompletionCacheRoundTripAndExpiry(t *testing.T) {
	c := NewCompletionCache(50 * time.Millisecond)
	t.Cleanup(c.Close)
	ctx := context.Background()

	resp := &playbook.CompletionResponse{Text: "cached", InputTokens: 5, OutputTokens: 2}
	c.Set(ctx, "key-1", resp)

	got, ok := c.Get(ctx, "key-1")
	require.True(t, ok)
	assert.Equal(t, "cached", got.Text)

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get(ctx, "key-1")
	assert.False(t, ok)
}
