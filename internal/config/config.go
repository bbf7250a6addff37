package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
	// 连接最长存活时间（分钟），超过后回收重建
	ConnMaxLifetimeMinutes int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	MinIdle  int
}

// MQTTConfig MQTT配置（通知投递桥）
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Enabled  bool
}

// Config gluco-circle 服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	HTTP struct {
		Addr string
	}

	// CGM 数据源配置
	Dexcom struct {
		// OAuth 源
		OAuthBaseURL string // 如 https://api.dexcom.com
		ClientID     string
		ClientSecret string
		RedirectURI  string

		// Share 源
		ShareBaseURLUS  string
		ShareBaseURLOUS string
		ShareAppID      string

		// 凭证加密密钥（64位hex，解码为32字节）
		CredentialKey string

		SyncIntervalSeconds int // 定时拉取间隔，默认 300（与传感器节奏一致）
		RetryCount          int // 瞬时网络失败的重试预算，默认 3
	}

	// 报警评估配置
	Alarm struct {
		RapidSlopeThreshold     int // 速变判定阈值（mg/dL 每 5 分钟），默认 15
		StalenessWindowMinutes  int // no_data 判定窗口（分钟），默认 30
		WatchdogIntervalSeconds int // no_data 巡检间隔（秒），默认 60

		Cache struct {
			AlertKeyPrefix    string // 报警缓存键前缀，如 "gluco:owner:"
			AlertSuffix       string // 报警缓存键后缀，如 ":alerts"
			AlertTTL          int    // 报警缓存 TTL（秒），默认 30
			LastReadingPrefix string // 最近读数时间键前缀，如 "gluco:last-reading:"
			SyncLockPrefix    string // 同步互斥锁键前缀，如 "gluco:sync:lock:"
			SyncLockTTL       int    // 锁 TTL（秒），默认 120
		}

		NotifyStream string // 通知事件的 Redis Stream 名
		NotifyTopic  string // 通知事件的 MQTT 主题前缀
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "glucocircle")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)
	cfg.Database.ConnMaxLifetimeMinutes = getEnvInt("DB_CONN_MAX_LIFETIME_MINUTES", 30)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", 10)
	cfg.Redis.MinIdle = getEnvInt("REDIS_MIN_IDLE", 2)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "gluco-circle")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.Enabled = cfg.MQTT.Broker != ""

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Dexcom.OAuthBaseURL = getEnv("DEXCOM_OAUTH_BASE_URL", "https://api.dexcom.com")
	cfg.Dexcom.ClientID = getEnv("DEXCOM_CLIENT_ID", "")
	cfg.Dexcom.ClientSecret = getEnv("DEXCOM_CLIENT_SECRET", "")
	cfg.Dexcom.RedirectURI = getEnv("DEXCOM_REDIRECT_URI", "")
	cfg.Dexcom.ShareBaseURLUS = getEnv("DEXCOM_SHARE_BASE_URL_US", "https://share2.dexcom.com")
	cfg.Dexcom.ShareBaseURLOUS = getEnv("DEXCOM_SHARE_BASE_URL_OUS", "https://shareous1.dexcom.com")
	cfg.Dexcom.ShareAppID = getEnv("DEXCOM_SHARE_APP_ID", "d89443d2-327c-4a6f-89e5-496bbb0317db")
	cfg.Dexcom.CredentialKey = getEnv("CGM_CREDENTIAL_KEY", "")
	cfg.Dexcom.SyncIntervalSeconds = getEnvInt("CGM_SYNC_INTERVAL", 300)
	cfg.Dexcom.RetryCount = getEnvInt("CGM_RETRY_COUNT", 3)

	cfg.Alarm.RapidSlopeThreshold = getEnvInt("ALARM_RAPID_SLOPE", 15)
	cfg.Alarm.StalenessWindowMinutes = getEnvInt("ALARM_STALENESS_MINUTES", 30)
	cfg.Alarm.WatchdogIntervalSeconds = getEnvInt("ALARM_WATCHDOG_INTERVAL", 60)

	cfg.Alarm.Cache.AlertKeyPrefix = getEnv("CACHE_ALERT_PREFIX", "gluco:owner:")
	cfg.Alarm.Cache.AlertSuffix = ":alerts"
	cfg.Alarm.Cache.AlertTTL = getEnvInt("CACHE_ALERT_TTL", 30)
	cfg.Alarm.Cache.LastReadingPrefix = getEnv("CACHE_LAST_READING_PREFIX", "gluco:last-reading:")
	cfg.Alarm.Cache.SyncLockPrefix = getEnv("CACHE_SYNC_LOCK_PREFIX", "gluco:sync:lock:")
	cfg.Alarm.Cache.SyncLockTTL = getEnvInt("CACHE_SYNC_LOCK_TTL", 120)

	cfg.Alarm.NotifyStream = getEnv("NOTIFY_STREAM", "gluco:notify:events")
	cfg.Alarm.NotifyTopic = getEnv("NOTIFY_TOPIC", "gluco/notify")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
