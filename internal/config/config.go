package config

import (
	"log"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Version is stamped at build time with -ldflags "-X convexity_trading/internal/config.Version=...".
var Version = "dev"

// Config is process wiring: credentials, endpoints and files. Strategy knobs live in Policy.
type Config struct {
	AccountID string

	AlpacaKeyID   string
	AlpacaSecret  string
	AlpacaBaseURL string
	StreamQuotes  bool

	TelegramToken  string
	TelegramChatID string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	KafkaTopic    string

	HTTPAddr       string
	APIToken       string
	MetricsEnabled bool
	PolicyFile     string
	OverridesFile  string

	LogFile       string
	LogLevel      string
	LogMaxSizeMB  int64
	LogMaxBackups int

	TradingLoopIntervalMins int
	Version                 string
}

// secretVars are printed masked.
var secretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"TELEGRAM_BOT_TOKEN":  true,
	"DATABASE_URL":        true,
	"REDIS_PASSWORD":      true,
	"API_TOKEN":           true,
}

var requiredVars = []string{"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "APCA_API_BASE_URL"}

// Load reads .env (if any) into the environment and builds the process Config.
// It never exits; callers decide what to do with Missing().
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	cfg := &Config{
		AccountID:               getEnv("ACCOUNT_ID", "primary"),
		AlpacaKeyID:             getEnv("APCA_API_KEY_ID", ""),
		AlpacaSecret:            getEnv("APCA_API_SECRET_KEY", ""),
		AlpacaBaseURL:           getEnv("APCA_API_BASE_URL", "https://paper-api.alpaca.markets"),
		StreamQuotes:            getEnvAsBool("STREAM_QUOTES", false),
		TelegramToken:           getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:          getEnv("TELEGRAM_CHAT_ID", ""),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisAddr:               getEnv("REDIS_ADDR", ""),
		RedisPassword:           getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:            splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:              getEnv("KAFKA_TOPIC", "convexity.events"),
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		APIToken:                getEnv("API_TOKEN", ""),
		MetricsEnabled:          getEnvAsBool("METRICS_ENABLED", true),
		PolicyFile:              getEnv("POLICY_FILE", "policy.json"),
		OverridesFile:           getEnv("OVERRIDES_FILE", "overrides.json"),
		LogFile:                 getEnv("LOG_FILE", "convexity_engine.log"),
		LogLevel:                strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		LogMaxSizeMB:            int64(getEnvAsInt("LOG_MAX_SIZE_MB", 10)),
		LogMaxBackups:           getEnvAsInt("LOG_MAX_BACKUPS", 3),
		TradingLoopIntervalMins: getEnvAsInt("TRADING_LOOP_INTERVAL_MINS", 0),
		Version:                 Version,
	}

	printEnvFile()
	return cfg
}

// Missing lists required variables that are unset.
func (c *Config) Missing() []string {
	var missing []string
	for _, key := range requiredVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func printEnvFile() {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	log.Println("--- .env File Variables ---")
	for _, key := range keys {
		val := envMap[key]
		if secretVars[key] {
			log.Printf("%s=%s", key, Mask(val))
		} else {
			log.Printf("%s=%s", key, val)
		}
	}
	log.Println("---------------------------")
}

// Mask shows only the last 4 characters of a secret.
func Mask(val string) string {
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
