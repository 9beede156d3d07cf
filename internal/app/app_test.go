package app

import (
	"projectsync/internal/config"
	"projectsync/internal/model"
	"projectsync/internal/source"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSize(t *testing.T) {
	registry, err := source.NewRegistry([]model.Source{
		{Code: "dpwh", Strategy: "dpwh", BaseURL: "http://127.0.0.1:1", Endpoint: "/p/{id}", ChunkSize: 25},
		{Code: "opendata", Strategy: "opendata", BaseURL: "http://127.0.0.1:1", Endpoint: "/p?limit={limit}&offset={offset}"},
	}, source.Deps{})
	require.NoError(t, err)

	a := &App{
		Config:  &config.Config{Pipeline: config.PipelineConfig{DefaultChunkSize: 50}},
		Sources: registry,
	}

	assert.Equal(t, 10, a.ChunkSize("dpwh", 10))
	assert.Equal(t, 25, a.ChunkSize("dpwh", 0))
	assert.Equal(t, 50, a.ChunkSize("opendata", 0))
	assert.Equal(t, 50, a.ChunkSize("unknown", 0))
}

func TestCloseToleratesPartialInitialization(t *testing.T) {
	a := &App{Config: &config.Config{}}
	assert.NotPanics(t, a.Close)
}
