package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	AWS         AWSConfig
	Zego        ZegoConfig
	Stream      StreamConfig
	Progression ProgressionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// AllowedOrigins returns CORSAllowedOrigins as a set.
func (c ServerConfig) AllowedOrigins() map[string]bool {
	out := make(map[string]bool)
	for _, o := range splitTrim(c.CORSAllowedOrigins, ",") {
		out[o] = true
	}
	return out
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the transcript bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	TranscriptsBucket    string
	PresignExpireMinutes int
}

// ZegoConfig holds ZEGOCLOUD credentials for media room tokens.
type ZegoConfig struct {
	AppID        uint32
	ServerSecret string
	TokenTTL     time.Duration
}

// StreamConfig tunes live sessions.
type StreamConfig struct {
	InviteTTL      time.Duration
	CaptureTimeout time.Duration
	CapturePoll    time.Duration
	TickInterval   time.Duration
	ChatMaxLength  int
	HistoryLimit   int
	RelayHistory   int
}

// ProgressionConfig tunes the progression engines.
type ProgressionConfig struct {
	TickInterval time.Duration
}

// DSN returns the PostgreSQL connection string. URL wins when set.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 60),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "aura_live"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			TranscriptsBucket:    getEnv("AWS_S3_TRANSCRIPTS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Zego: ZegoConfig{
			AppID:        uint32(getEnvInt("ZEGO_APP_ID", 0)),
			ServerSecret: getEnv("ZEGO_SERVER_SECRET", ""),
			TokenTTL:     getEnvDuration("ZEGO_TOKEN_TTL", 24*time.Hour),
		},
		Stream: StreamConfig{
			InviteTTL:      getEnvDuration("STREAM_INVITE_TTL", 5*time.Minute),
			CaptureTimeout: getEnvDuration("STREAM_CAPTURE_TIMEOUT", 30*time.Second),
			CapturePoll:    getEnvDuration("STREAM_CAPTURE_POLL", 250*time.Millisecond),
			TickInterval:   getEnvDuration("STREAM_TICK_INTERVAL", 5*time.Second),
			ChatMaxLength:  getEnvInt("CHAT_MAX_LENGTH", 500),
			HistoryLimit:   getEnvInt("CHAT_HISTORY_LIMIT", 50),
			RelayHistory:   getEnvInt("CHAT_RELAY_HISTORY", 200),
		},
		Progression: ProgressionConfig{
			TickInterval: getEnvDuration("PROGRESSION_TICK_INTERVAL", time.Minute),
		},
	}
	if cfg.Zego.ServerSecret != "" && len(cfg.Zego.ServerSecret) != 32 {
		return nil, fmt.Errorf("ZEGO_SERVER_SECRET must be 32 characters")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
