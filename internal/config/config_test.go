package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[aws]
region = "eu-west-1"
profile = "sandbox"

[otel]
endpoint = "localhost:4317"
insecure = true
service_name = "stackline"

[otel.traces]
enabled = true
sample_rate = 1.0

[otel.metrics]
enabled = true

[retry]
attempts = 3
backoff = "exponential"
delay = "500ms"
max_delay = "4s"

[state]
dir = "/var/lib/stackline"

[provision]
instance_type = "t3.small"
image_id = "ami-0123456789abcdef0"
steps = ["apt-get update", "apt-get install -y nginx"]

[[provision.artifacts]]
name = "agent"
url = "https://downloads.example.com/agent.tar.gz"
sha256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
dest = "/opt/agent.tar.gz"

[log]
level = "debug"
format = "json"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "sandbox", cfg.AWS.Profile)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 1.0, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, 4*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, "/var/lib/stackline", cfg.State.Dir)
	assert.Equal(t, "t3.small", cfg.Provision.InstanceType)
	assert.Equal(t, "10.0.0.0/16", cfg.Provision.NetworkCIDR)
	assert.Len(t, cfg.Provision.Steps, 2)
	require.Len(t, cfg.Provision.Artifacts, 1)
	assert.Equal(t, "/opt/agent.tar.gz", cfg.Provision.Artifacts[0].Dest)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, cfg.RetryPolicy().Delays())
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "[aws]\nregion = \"us-east-1\"\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "stackline", cfg.OTEL.ServiceName)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, "linear", cfg.Retry.Backoff)
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay)
	assert.Equal(t, ".stackline", cfg.State.Dir)
	assert.Equal(t, "t3.micro", cfg.Provision.InstanceType)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.Attempts())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}, policy.Delays())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay)
	assert.Error(t, cfg.Validate(), "region has no default")

	cfg.AWS.Region = "eu-west-1"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTempConfig(t, "this is not valid toml [[[")
	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_InvalidDelay(t *testing.T) {
	path := writeTempConfig(t, "[retry]\ndelay = \"soon\"\n")
	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse retry delay")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no region", func(c *Config) { c.AWS.Region = "" }, "aws: region required"},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry: attempts"},
		{"bad backoff", func(c *Config) { c.Retry.Backoff = "fibonacci" }, "retry: backoff"},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "sample_rate"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log: format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.AWS.Region = "eu-west-1"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
