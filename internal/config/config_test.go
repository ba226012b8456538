package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"GO_ENV", "LISTEN_PORT", "HTTP_PORT", "ACCEPT_RATE",
	"HEARTBEAT_INTERVAL", "RETRY_INTERVAL", "DIAL_TIMEOUT", "ENDPOINT_FILE",
	"REDIS_URL", "DATABASE_URL", "JWT_SECRET", "TOKEN_TTL",
	"LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every config key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfigFrom("")
	require.NoError(t, err)

	assert.Equal(t, 2600, cfg.ListenPort)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Zero(t, cfg.AcceptRate)
	assert.Equal(t, 40*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, "./server.conf", cfg.EndpointFile)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.IsDevelopment())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_PORT", "2700")
	t.Setenv("HEARTBEAT_INTERVAL", "15s")
	t.Setenv("ACCEPT_RATE", "2.5")
	t.Setenv("GO_ENV", "production")

	cfg, err := LoadConfigFrom("")
	require.NoError(t, err)

	assert.Equal(t, 2700, cfg.ListenPort)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2.5, cfg.AcceptRate)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfig_EnvFile(t *testing.T) {
	clearEnv(t)
	for _, key := range []string{"RETRY_INTERVAL", "LOG_FORMAT"} {
		os.Unsetenv(key)
	}
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RETRY_INTERVAL=500ms\nLOG_FORMAT=text\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("RETRY_INTERVAL")
		os.Unsetenv("LOG_FORMAT")
	})

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadConfig_MissingEnvFileIsFine(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfigFrom(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_BadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LISTEN_PORT", "twenty-six hundred"},
		{"HEARTBEAT_INTERVAL", "40"},
		{"ACCEPT_RATE", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfigFrom("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := &Config{
		ListenPort:        0,
		HTTPPort:          70000,
		AcceptRate:        -1,
		HeartbeatInterval: 0,
		RetryInterval:     time.Second,
		DialTimeout:       time.Second,
		LogLevel:          "verbose",
		LogFormat:         "xml",
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"LISTEN_PORT", "HTTP_PORT", "ACCEPT_RATE", "HEARTBEAT_INTERVAL", "LOG_LEVEL", "LOG_FORMAT"} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NotContains(t, err.Error(), "RETRY_INTERVAL")
}

func TestValidateServe(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfigFrom("")
	require.NoError(t, err)

	err = cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")

	cfg.JWTSecret = "short"
	err = cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")

	cfg.JWTSecret = strings.Repeat("k", 32)
	assert.NoError(t, cfg.ValidateServe())

	cfg.HTTPPort = cfg.ListenPort
	assert.ErrorContains(t, cfg.ValidateServe(), "must differ")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("client_rejected_duplicate", "identity", "10.0.0.1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"client_rejected_duplicate"`)

	buf.Reset()
	cfg = &Config{LogLevel: "debug", LogFormat: "text"}
	cfg.NewLogger(&buf).Debug("liveness_ok")
	assert.Contains(t, buf.String(), "msg=liveness_ok")
}
