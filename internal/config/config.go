// Package config 提供 loopbackd 的配置加载：默认值 → YAML 文件 → 环境变量逐层覆盖。
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	JWTSecret  string `yaml:"jwtSecret"`
	TokenTTLHr int    `yaml:"tokenTTLHr"`

	// 契约参数
	RevokeWindowSec int `yaml:"revokeWindowSec"`
	HistoryPageMax  int `yaml:"historyPageMax"`
	CallTimeoutMax  int `yaml:"callTimeoutMax"`

	// 下行投递：单进程默认内存 hub，多实例切 Redis Pub/Sub
	RedisAddr string `yaml:"redisAddr"`
	RedisPass string `yaml:"redisPass"`
	RedisDB   int    `yaml:"redisDB"`
	UseRedis  bool   `yaml:"useRedis"`

	// 上行发送限流（依赖 Redis）
	SendQPS   int `yaml:"sendQPS"`
	SendBurst int `yaml:"sendBurst"`

	// Kafka 消息导出（可选）
	KafkaBrokers     string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaExportTopic string `yaml:"kafkaExportTopic"`

	// 日志
	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8090",
		JWTSecret:  "change-me-in-prod",
		TokenTTLHr: 24,

		RevokeWindowSec: 120,
		HistoryPageMax:  100,
		CallTimeoutMax:  600,

		RedisAddr: "127.0.0.1:6379",
		UseRedis:  false,

		SendQPS:   20,
		SendBurst: 40,

		KafkaBrokers:     "",
		KafkaExportTopic: "imsdk-messages",

		LogLevel: "info",
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("IMSDK_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("IMSDK_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("IMSDK_JWT_SECRET", &cfg.JWTSecret)
	setInt("IMSDK_TOKEN_TTL_HR", &cfg.TokenTTLHr)

	setInt("IMSDK_REVOKE_WINDOW_SEC", &cfg.RevokeWindowSec)
	setInt("IMSDK_HISTORY_PAGE_MAX", &cfg.HistoryPageMax)
	setInt("IMSDK_CALL_TIMEOUT_MAX", &cfg.CallTimeoutMax)

	setStr("IMSDK_REDIS_ADDR", &cfg.RedisAddr)
	setStr("IMSDK_REDIS_PASS", &cfg.RedisPass)
	setInt("IMSDK_REDIS_DB", &cfg.RedisDB)
	setBool("IMSDK_USE_REDIS", &cfg.UseRedis)

	setInt("IMSDK_SEND_QPS", &cfg.SendQPS)
	setInt("IMSDK_SEND_BURST", &cfg.SendBurst)

	setStr("IMSDK_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("IMSDK_KAFKA_EXPORT_TOPIC", &cfg.KafkaExportTopic)

	setStr("IMSDK_LOG_LEVEL", &cfg.LogLevel)
	setStr("IMSDK_LOG_FILE", &cfg.LogFile)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
