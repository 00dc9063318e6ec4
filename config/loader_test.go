package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const baseYAML = `
nats:
  url: nats://nats-a:4222
  reconnect_wait: 500ms
runtime:
  fan_in_buffer: 8
gateway:
  subject_prefix: ops.ctl
  request_timeout: 2s
groups:
  - name: alpha
  - name: beta
    sink: nats
    subject: out.beta
producers:
  - name: tick
    type: ticker
    interval: 100ms
    attach_to: alpha
  - name: sensors
    type: nats
    subject: in.sensors
    buffer_size: 32
    throttle: 10ms
    burst: 2
`

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "base.yaml", baseYAML)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://nats-a:4222", cfg.NATS.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait.Std())
	assert.Equal(t, -1, cfg.NATS.MaxReconnects) // Default survives
	assert.Equal(t, 8, cfg.Runtime.FanInBuffer)
	assert.Equal(t, "ops.ctl", cfg.Gateway.SubjectPrefix)
	assert.Equal(t, 2*time.Second, cfg.Gateway.Timeout())
	assert.Equal(t, 9090, cfg.Metrics.Port)

	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, SinkNATS, cfg.Groups[1].Sink)
	require.Len(t, cfg.Producers, 2)
	assert.Equal(t, 100*time.Millisecond, cfg.Producers[0].Interval.Std())
	assert.Equal(t, 10*time.Millisecond, cfg.Producers[1].Throttle.Std())
	assert.Equal(t, 32, cfg.Producers[1].BufferSize)
}

func TestLoader_LayersOverride(t *testing.T) {
	base := writeFile(t, "base.yaml", baseYAML)
	override := writeFile(t, "prod.json", `{
		"nats": {"url": "nats://prod:4222"},
		"metrics": {"port": 9100},
		"groups": [{"name": "only"}],
		"producers": []
	}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://prod:4222", cfg.NATS.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait.Std()) // From base
	assert.Equal(t, 9100, cfg.Metrics.Port)
	require.Len(t, cfg.Groups, 1)
	assert.Equal(t, "only", cfg.Groups[0].Name)
	assert.Empty(t, cfg.Producers)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeFile(t, "base.yaml", baseYAML)
	t.Setenv("STREAMSWITCH_NATS_URL", "nats://env:4222")
	t.Setenv("STREAMSWITCH_METRICS_PORT", "9200")
	t.Setenv("STREAMSWITCH_NATS_TOKEN", "secret")

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 9200, cfg.Metrics.Port)
	assert.Equal(t, "secret", cfg.NATS.Token)

	t.Setenv("STREAMSWITCH_METRICS_PORT", "ninety")
	_, err = NewLoader().LoadFile(path)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown field", "a.json", `{"natz": {}}`},
		{"bad duration", "a.yaml", "nats:\n  reconnect_wait: soon\n"},
		{"malformed json", "a.json", `{"nats": `},
		{"unsupported extension", "a.toml", `x = 1`},
		{"too deep", "a.json", strings.Repeat("[", 101) + strings.Repeat("]", 101)},
		{"invalid content", "a.yaml", "groups:\n  - sink: log\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)

			loader := NewLoader()
			loader.EnableValidation(true)
			_, err := loader.LoadFile(path)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestConfig_SaveAndReload(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	for _, name := range []string{"saved.json", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveToFile(path))

			loader := NewLoader()
			loader.EnableValidation(true)
			loaded, err := loader.LoadFile(path)
			require.NoError(t, err)

			assert.Equal(t, cfg.Groups, loaded.Groups)
			assert.Equal(t, cfg.Producers, loaded.Producers)
			assert.Equal(t, cfg.NATS, loaded.NATS)
		})
	}
}

func TestDeepMergeMaps(t *testing.T) {
	base := map[string]any{"a": 1, "n": map[string]any{"x": 1, "y": 2}}
	override := map[string]any{"n": map[string]any{"y": 3}, "b": 2, "a": nil}

	merged := deepMergeMaps(base, override)
	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, 2, merged["b"])
	assert.Equal(t, map[string]any{"x": 1, "y": 3}, merged["n"])
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, base["n"])
}
