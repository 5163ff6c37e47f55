// =============================================================================
// 📦 Avatar-EDU 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		LLM:       DefaultLLMConfig(),
		Memory:    DefaultMemoryConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:              8080,
		MetricsPort:           9091,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RateLimitRPS:          100,
		RateLimitBurst:        200,
		StudentRateLimitRPS:   10,
		StudentRateLimitBurst: 20,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "avataredu",
		Password:        "",
		Name:            "avataredu",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:       false,
		Addr:          "localhost:6379",
		PoolSize:      10,
		MinIdleConns:  2,
		KeyPrefix:     "avataredu:",
		BoardCacheTTL: 2 * time.Minute,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "openai",
		BaseURL:     "https://api.openai.com",
		Model:       "gpt-4o-mini",
		Timeout:     time.Minute,
		Temperature: 0.3,
		MaxTokens:   1024,
	}
}

// DefaultMemoryConfig 返回默认记忆管线配置
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		CompressionThreshold:  5,
		CompressionWindow:     20,
		CompressionTimeout:    30 * time.Second,
		CompressionRetries:    1,
		RetryBackoff:          500 * time.Millisecond,
		ContextItemsPerModule: 3,
		ContextMaxTokens:      400,
		FallbackTopN:          3,
		CompressedRetention:   90 * 24 * time.Hour,
		JanitorInterval:       time.Hour,
		SessionTTL:            30 * time.Minute,
		SessionSweepInterval:  time.Minute,
		Workers:               4,
		QueueSize:             256,
		CounterBackend:        "database",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		OTLPInsecure: true,
		ServiceName:  "avataredu-memory",
		SampleRate:   0.1,
	}
}
