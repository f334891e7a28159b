package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 1000, cfg.Splitter.ChunkSize)
	assert.Equal(t, 200, cfg.Splitter.ChunkOverlap)
	assert.Equal(t, "cv_chunks", cfg.Qdrant.Collection)
	assert.InDelta(t, 0.5, cfg.Matcher.SkillsWeight, 1e-9)
	assert.InDelta(t, 0.3, cfg.Matcher.ExperienceWeight, 1e-9)
	assert.InDelta(t, 0.2, cfg.Matcher.EducationWeight, 1e-9)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  address: ":9090"
splitter:
  chunk_size: 500
  chunk_overlap: 100
qdrant:
  endpoint: "http://qdrant:6333"
  collection: "test_chunks"
  dimension: 1024
matcher:
  skills_weight: 0.6
  experience_weight: 0.2
  education_weight: 0.2
  rank_workers: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 500, cfg.Splitter.ChunkSize)
	assert.Equal(t, 100, cfg.Splitter.ChunkOverlap)
	assert.Equal(t, "test_chunks", cfg.Qdrant.Collection)
	assert.Equal(t, 1024, cfg.Qdrant.Dimension)
	assert.InDelta(t, 0.6, cfg.Matcher.SkillsWeight, 1e-9)
	// 未覆盖的字段保留默认值
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
}

func TestLoadConfigMissingFileFallsBackToDefault(t *testing.T) {
	// 在临时目录下不存在任何config.yaml，应返回默认配置
	wd, err := os.Getwd()
	require.NoError(t, err)
	defer func() { _ = os.Chdir(wd) }()
	require.NoError(t, os.Chdir(t.TempDir()))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Splitter, cfg.Splitter)
}

func TestValidateRejectsBadSplitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Splitter.ChunkOverlap = cfg.Splitter.ChunkSize
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Splitter.ChunkSize = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIREFLOW_API_KEY", "secret-key")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":8081\"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.Server.APIKey)
}
