// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	// 记忆管线默认值
	assert.Equal(t, 5, cfg.Memory.CompressionThreshold)
	assert.Equal(t, 20, cfg.Memory.CompressionWindow)
	assert.Equal(t, 1, cfg.Memory.CompressionRetries)
	assert.Equal(t, 3, cfg.Memory.ContextItemsPerModule)
	assert.Equal(t, 90*24*time.Hour, cfg.Memory.CompressedRetention)
	assert.Equal(t, 30*time.Minute, cfg.Memory.SessionTTL)
	assert.Equal(t, "database", cfg.Memory.CounterBackend)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "info", cfg.Log.Level)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
  api_keys: ["k1", "k2"]
  jwt:
    enabled: true
    secret: "s3cret"

database:
  driver: sqlite
  name: /tmp/memory.db

memory:
  compression_threshold: 3
  compression_window: 10
  session_ttl: 5m
  counter_backend: database

log:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o600))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.True(t, cfg.Server.JWT.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/memory.db", cfg.Database.DSN())
	assert.Equal(t, 3, cfg.Memory.CompressionThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Memory.SessionTTL)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 3, cfg.Memory.ContextItemsPerModule)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0o600))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from file")
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("AVATAREDU_SERVER_HTTP_PORT", "9000")
	t.Setenv("AVATAREDU_MEMORY_COMPRESSION_THRESHOLD", "7")
	t.Setenv("AVATAREDU_MEMORY_COMPRESSION_TIMEOUT", "45s")
	t.Setenv("AVATAREDU_SERVER_CORS_ALLOWED_ORIGINS", "https://a.edu, https://b.edu,")
	t.Setenv("AVATAREDU_REDIS_ENABLED", "true")
	t.Setenv("AVATAREDU_LLM_TEMPERATURE", "0.9")
	t.Setenv("AVATAREDU_SERVER_JWT_ISSUER", "avatar-edu")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 7, cfg.Memory.CompressionThreshold)
	assert.Equal(t, 45*time.Second, cfg.Memory.CompressionTimeout)
	assert.Equal(t, []string{"https://a.edu", "https://b.edu"}, cfg.Server.CORSAllowedOrigins)
	assert.True(t, cfg.Redis.Enabled)
	assert.InDelta(t, 0.9, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, "avatar-edu", cfg.Server.JWT.Issuer)
}

func TestLoader_EnvInvalidValue(t *testing.T) {
	t.Setenv("AVATAREDU_MEMORY_SESSION_TTL", "forever")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AVATAREDU_MEMORY_SESSION_TTL")
}

func TestLoader_CustomPrefixAndValidator(t *testing.T) {
	t.Setenv("EDU_SERVER_HTTP_PORT", "0")

	_, err := NewLoader().WithEnvPrefix("EDU").WithValidator(func(c *Config) error { return c.Validate() }).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid defaults", mutate: func(c *Config) {}},
		{
			name:    "bad driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "zero threshold",
			mutate:  func(c *Config) { c.Memory.CompressionThreshold = 0 },
			wantErr: "compression_threshold",
		},
		{
			name:    "window smaller than threshold",
			mutate:  func(c *Config) { c.Memory.CompressionWindow = 2 },
			wantErr: "compression_window",
		},
		{
			name:    "unbounded retries",
			mutate:  func(c *Config) { c.Memory.CompressionRetries = 10 },
			wantErr: "compression_retries",
		},
		{
			name:    "redis counter without redis",
			mutate:  func(c *Config) { c.Memory.CounterBackend = "redis" },
			wantErr: "requires redis.enabled",
		},
		{
			name: "redis counter with redis",
			mutate: func(c *Config) {
				c.Memory.CounterBackend = "redis"
				c.Redis.Enabled = true
			},
		},
		{
			name:    "jwt without key",
			mutate:  func(c *Config) { c.Server.JWT.Enabled = true },
			wantErr: "jwt requires",
		},
		{
			name:    "half tls",
			mutate:  func(c *Config) { c.Server.TLSCertFile = "cert.pem" },
			wantErr: "tls_cert_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "u:p@tcp(db:3306)/n?parseTime=true&charset=utf8mb4", my.DSN())

	assert.Empty(t, (&DatabaseConfig{Driver: "other"}).DSN())
}
