package config

import (
	"os"
	"strconv"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	// Compress zstd-encodes published bodies. Consumers decode either way.
	Compress bool `yaml:"compress"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置 (DB_HOST, DB_PORT, ...)
func OverrideDBFromEnv(cfg *DBConfig) {
	OverrideDBFromEnvPrefix(cfg, "DB_")
}

// OverrideDBFromEnvPrefix reads <prefix>HOST, <prefix>PORT, <prefix>USER,
// <prefix>PASSWORD and <prefix>NAME. The peer region's database uses PEER_DB_.
func OverrideDBFromEnvPrefix(cfg *DBConfig, prefix string) {
	envString(&cfg.Host, prefix+"HOST")
	envInt(&cfg.Port, prefix+"PORT")
	envString(&cfg.User, prefix+"USER")
	envString(&cfg.Password, prefix+"PASSWORD")
	envString(&cfg.Name, prefix+"NAME")
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	envString(&cfg.URL, "MQ_URL")
	envString(&cfg.Exchange, "MQ_EXCHANGE")
	envBool(&cfg.Compress, "MQ_COMPRESS")
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	envString(&cfg.Addr, "REDIS_ADDR")
	envString(&cfg.Password, "REDIS_PASSWORD")
	envInt(&cfg.DB, "REDIS_DB")
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	envString(&cfg.Port, "SERVER_PORT")
}
