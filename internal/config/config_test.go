package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_FillsEveryZeroValuedField(t *testing.T) {
	p := &Profile{}
	p.applyDefaults()

	assert.Equal(t, 1, p.Hardware.Servers)
	assert.Equal(t, 2, p.Pipeline.PipelinesPerServer)
	assert.Equal(t, 50, p.Pipeline.MaxClientsPerPipeline)
	assert.Equal(t, 500, p.RateLimiter.MaxClients)
	assert.Equal(t, 60_000, p.RateLimiter.WindowMs)
	assert.Equal(t, 30_000, p.RateLimiter.CleanupMs)
	assert.Equal(t, "supabase", p.Storage.Provider)
	assert.Equal(t, "face-frames", p.Storage.FramesBucket)
	assert.Equal(t, "8090", p.Server.Port)
	assert.Equal(t, "cosine", p.Models.DistanceMetric)
}

func TestApplyDefaults_RateLimiterFallsBackToHardLimitBeforeDefault(t *testing.T) {
	p := &Profile{}
	p.Capacity.HardLimitClients = 77
	p.applyDefaults()

	assert.Equal(t, 77, p.RateLimiter.MaxClients, "an explicit hard limit must take priority over the 500 fallback")
}

func TestApplyDefaults_LeavesExplicitValuesUntouched(t *testing.T) {
	p := &Profile{}
	p.Server.Port = "9999"
	p.RateLimiter.MaxClients = 10
	p.applyDefaults()

	assert.Equal(t, "9999", p.Server.Port)
	assert.Equal(t, 10, p.RateLimiter.MaxClients)
}

func TestApplyEnvOverrides_SetsNestedFieldsByTypeInference(t *testing.T) {
	t.Setenv("CFG__SERVER__PORT", "9100")
	t.Setenv("CFG__RATE_LIMITER__MAX_CLIENTS", "42")
	t.Setenv("CFG__KV__ENABLED", "true")
	t.Setenv("CFG__MODELS__FACE_THRESHOLD", "0.75")

	p := &Profile{}
	p.applyEnvOverrides()

	assert.Equal(t, "9100", p.Server.Port)
	assert.Equal(t, 42, p.RateLimiter.MaxClients)
	assert.True(t, p.KV.Enabled)
	assert.InDelta(t, 0.75, p.Models.FaceThreshold, 1e-9)
}

func TestApplyEnvOverrides_IgnoresUnsetKeys(t *testing.T) {
	p := &Profile{}
	p.Server.Port = "8090"
	p.applyEnvOverrides()
	assert.Equal(t, "8090", p.Server.Port)
}

func TestPipelineConfig_NumPipelines(t *testing.T) {
	p := PipelineConfig{PipelinesPerServer: 3}
	assert.Equal(t, 6, p.NumPipelines(2))

	empty := PipelineConfig{}
	assert.Equal(t, 1, empty.NumPipelines(4), "a zero product must fall back to one pipeline")
}

func TestServerConfig_AllowedOriginsList(t *testing.T) {
	s := ServerConfig{AllowedOrigins: "https://a.example, https://b.example,, "}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.AllowedOriginsList())

	empty := ServerConfig{}
	assert.Nil(t, empty.AllowedOriginsList())
}

func TestLoad_ReadsYAMLProfile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	yamlBody := "server:\n  port: \"7000\"\nrate_limiter:\n  max_clients: 100\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", p.Server.Port)
	assert.Equal(t, 100, p.RateLimiter.MaxClients)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
