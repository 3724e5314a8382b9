package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/infra/setup"
)

// 实时存储后端
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

const (
	defaultServerPort      = "8080"
	defaultKeyPrefix       = "es:"
	defaultLeaseSec        = 30
	defaultJWTExpiryHours  = 24 * 30
	defaultRateLimitMax    = 100
	defaultRoomTTLMin      = 120
	defaultCleanupSchedule = "@every 10m"
)

var defaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	AppEnv        string
	LogLevel      string
	ServerPort    string
	PublicBaseURL string // 生成分享链接的站点地址

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	SessionLease  time.Duration // Redis 会话租约，过期后由清理任务执行断线清理

	JWTSecret      string
	JWTExpiryHours int

	DB setup.DBConfig // DB_NAME 为空时不启用转盘历史

	AllowedOrigins  []string
	RateLimitMax    int
	RateLimitWindow time.Duration

	RoomTTL         time.Duration
	CleanupSchedule string
}

// HistoryEnabled 判断是否配置了 MySQL
func (c *Config) HistoryEnabled() bool {
	return c.DB.Name != ""
}

// Production 判断是否为生产环境
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:        envOr("APP_ENV", "development"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		ServerPort:    envOr("SERVER_PORT", defaultServerPort),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),

		StoreBackend:  strings.ToLower(envOr("STORE_BACKEND", StoreRedis)),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		KeyPrefix:     envOr("REDIS_KEY_PREFIX", defaultKeyPrefix),
		SessionLease:  time.Duration(envInt("STORE_SESSION_LEASE_SEC", defaultLeaseSec)) * time.Second,

		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTExpiryHours: envInt("JWT_EXPIRY_HOURS", defaultJWTExpiryHours),

		DB: setup.DBConfig{
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Host:     os.Getenv("DB_HOST"),
			Port:     os.Getenv("DB_PORT"),
			Name:     os.Getenv("DB_NAME"),
		},

		AllowedOrigins:  envCSV("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
		RateLimitMax:    envInt("RATE_LIMIT_MAX", defaultRateLimitMax),
		RateLimitWindow: time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 1)) * time.Second,

		RoomTTL:         time.Duration(envInt("ROOM_TTL_MIN", defaultRoomTTLMin)) * time.Minute,
		CleanupSchedule: envOr("CLEANUP_SCHEDULE", defaultCleanupSchedule),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("environment variable REDIS_ADDR must be set")
		}
	case StoreMemory:
		if c.Production() {
			return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want %s or %s)", c.StoreBackend, StoreRedis, StoreMemory)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if c.RoomTTL <= 0 {
		return fmt.Errorf("ROOM_TTL_MIN must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", c.LogLevel)
		c.LogLevel = "info"
	}
	return nil
}

// envOr 返回环境变量的值，未设置时返回默认值
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt 解析整数环境变量，未设置或非法时返回默认值
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			logrus.Warnf("Invalid %s=%s, falling back to default (%d)", key, v, def)
			return def
		}
		return i
	}
	return def
}

// envCSV 解析逗号分隔的列表，空项被忽略
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// NewLogger 按配置创建 logger
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.Production() {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	// 各组件通过包级 logrus 记录日志，保持同一格式
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
	return log
}
