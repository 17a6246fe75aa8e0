package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Log            LogConfig
	Xray           XrayConfig
	Provision      ProvisionConfig
	Monitor        MonitorConfig
	Telegram       TelegramConfig
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey string
}

type LogConfig struct {
	Level  string
	Format string
}

// XrayConfig controls how the control API of each proxy server is called.
type XrayConfig struct {
	RequestTimeout   time.Duration
	RestartTimeout   time.Duration
	RestartAttempts  int
	RestartBackoff   time.Duration
	Flow             string
	RealityPublicKey string
	DefaultSNI       string
}

type ProvisionConfig struct {
	TrialDuration        time.Duration
	TrialDataGB          float64
	TrialCapacityClass   string
	DefaultCapacityClass string
}

type MonitorConfig struct {
	Enabled        bool
	Interval       time.Duration
	MaxConcurrency int // 0 = one goroutine per server
}

type TelegramConfig struct {
	BotToken string
}

func Load() *Config {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8006"),
			Mode: getEnv("GIN_MODE", "release"), // 默认为 release 模式
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "saas_user"),
			Password: getEnv("DB_PASSWORD", "saas_pass"),
			DBName:   getEnv("DB_NAME", "saas_db"),
			Schema:   getEnv("DB_SCHEMA", "fleet"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Xray: XrayConfig{
			RequestTimeout:   getEnvDuration("XRAY_REQUEST_TIMEOUT", 30*time.Second),
			RestartTimeout:   getEnvDuration("XRAY_RESTART_TIMEOUT", 10*time.Second),
			RestartAttempts:  getEnvInt("XRAY_RESTART_ATTEMPTS", 3),
			RestartBackoff:   getEnvDuration("XRAY_RESTART_BACKOFF", 2*time.Second),
			Flow:             getEnv("XRAY_FLOW", "xtls-rprx-vision"),
			RealityPublicKey: getEnv("XRAY_REALITY_PUBLIC_KEY", ""),
			DefaultSNI:       getEnv("XRAY_DEFAULT_SNI", "play.google.com"),
		},
		Provision: ProvisionConfig{
			TrialDuration:        getEnvDuration("PROVISION_TRIAL_DURATION", time.Hour),
			TrialDataGB:          getEnvFloat("PROVISION_TRIAL_DATA_GB", 0),
			TrialCapacityClass:   getEnv("PROVISION_TRIAL_CLASS", "trial"),
			DefaultCapacityClass: getEnv("PROVISION_DEFAULT_CLASS", "standard"),
		},
		Monitor: MonitorConfig{
			Enabled:        getEnvBool("ENABLE_XRAY_MONITORING", false),
			Interval:       getEnvDuration("MONITOR_INTERVAL", time.Minute),
			MaxConcurrency: getEnvInt("MONITOR_MAX_CONCURRENCY", 0),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	// 日志脱敏: 不记录敏感配置
	log.Infof("[config] Fleet Service loaded: port=%s db=%s/%s.%s monitor=%t interval=%s",
		cfg.Server.Port, cfg.Database.Host, cfg.Database.DBName, cfg.Database.Schema,
		cfg.Monitor.Enabled, cfg.Monitor.Interval)

	return cfg
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	return c.ValidateRuntime()
}

// ValidateRuntime checks the settings the monitor and provisioning paths
// depend on. It does not require HTTP secrets, so one-shot commands can use it.
func (c *Config) ValidateRuntime() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive")
	}
	if c.Monitor.MaxConcurrency < 0 {
		return fmt.Errorf("MONITOR_MAX_CONCURRENCY must not be negative")
	}
	if c.Xray.RestartAttempts < 1 {
		return fmt.Errorf("XRAY_RESTART_ATTEMPTS must be at least 1")
	}
	if c.Xray.RequestTimeout <= 0 || c.Xray.RestartTimeout <= 0 {
		return fmt.Errorf("XRAY_REQUEST_TIMEOUT and XRAY_RESTART_TIMEOUT must be positive")
	}
	if c.Provision.TrialDuration <= 0 {
		return fmt.Errorf("PROVISION_TRIAL_DURATION must be positive")
	}
	return nil
}

// SetupLogging applies the log level and formatter to the global logger.
func (c *Config) SetupLogging() {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		log.Warnf("[config] Unknown LOG_LEVEL %q, using info", c.Log.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(c.Log.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
