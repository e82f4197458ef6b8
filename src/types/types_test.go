package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMetaNested(t *testing.T) {
	meta := ExtractMeta(map[string]any{
		"title": "x",
		MetaKey: map[string]any{
			"id":        "e1",
			"sourceId":  "c1",
			"timestamp": float64(1700000000000),
			"type":      "task_created",
		},
	})
	require.NotNil(t, meta)
	assert.Equal(t, "e1", meta.ID)
	assert.Equal(t, "c1", meta.SourceID)
	assert.Equal(t, int64(1700000000000), meta.Timestamp)
	assert.Equal(t, "task_created", meta.Type)
}

func TestExtractMetaLegacyTopLevel(t *testing.T) {
	meta := ExtractMeta(map[string]any{
		"id":       "e2",
		"sourceId": "c2",
	})
	require.NotNil(t, meta)
	assert.Equal(t, "e2", meta.ID)
	assert.Equal(t, "c2", meta.SourceID)
}

func TestExtractMetaAbsent(t *testing.T) {
	assert.Nil(t, ExtractMeta(nil))
	assert.Nil(t, ExtractMeta(map[string]any{"title": "x"}))
	assert.Nil(t, ExtractMeta(map[string]any{MetaKey: "not a map"}))
}

func TestExtractMetaIntegerTimestamps(t *testing.T) {
	for _, ts := range []any{int64(42), int(42), float64(42)} {
		meta := ExtractMeta(map[string]any{
			MetaKey: map[string]any{"id": "e", "timestamp": ts},
		})
		require.NotNil(t, meta)
		assert.Equal(t, int64(42), meta.Timestamp)
	}
}
