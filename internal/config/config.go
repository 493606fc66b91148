package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel      string           `yaml:"log_level"`
	RetentionDays int              `yaml:"retention_days"`
	Telegram      TelegramConfig   `yaml:"telegram"`
	Discord       DiscordConfig    `yaml:"discord"`
	Database      DatabaseConfig   `yaml:"database"`
	Health        HealthConfig     `yaml:"health"`
	Captcha       CaptchaConfig    `yaml:"captcha"`
	TrustCache    TrustCacheConfig `yaml:"trust_cache"`
	Dedup         WindowConfig     `yaml:"dedup"`
	History       WindowConfig     `yaml:"history"`
	Moderation    ModerationConfig `yaml:"moderation"`
	Reputation    ReputationConfig `yaml:"reputation"`
	Identity      IdentityConfig   `yaml:"identity"`
	Classifier    ClassifierConfig `yaml:"classifier"`
	ContentAI     ContentAIConfig  `yaml:"content_ai"`
	Audit         AuditConfig      `yaml:"audit"`
	Dispatch      DispatchConfig   `yaml:"dispatch"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	PollTimeout int    `yaml:"poll_timeout"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CaptchaConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Timeout          time.Duration `yaml:"timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	WrongAnswerBan   time.Duration `yaml:"wrong_answer_ban"`
	TimeoutBan       time.Duration `yaml:"timeout_ban"`
	Options          int           `yaml:"options"`
	DisabledChats    []int64       `yaml:"disabled_chats"`
	NameBlacklist    []string      `yaml:"name_blacklist"`
	NewcomerRechecks bool          `yaml:"newcomer_rechecks"`
}

type TrustCacheConfig struct {
	CleanTTL  time.Duration `yaml:"clean_ttl"`
	BannedTTL time.Duration `yaml:"banned_ttl"`
}

type WindowConfig struct {
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MinLength     int           `yaml:"min_length"`
}

type ModerationConfig struct {
	ButtonAutoBan            bool          `yaml:"button_auto_ban"`
	LookalikeAutoBan         bool          `yaml:"lookalike_auto_ban"`
	HighConfidenceAutoBan    bool          `yaml:"high_confidence_auto_ban"`
	BanlistAutoBan           bool          `yaml:"banlist_auto_ban"`
	ClassifierSpamScore      float64       `yaml:"classifier_spam_score"`
	ClassifierHighConfidence float64       `yaml:"classifier_high_confidence"`
	LowConfidenceHamReport   bool          `yaml:"low_confidence_ham_report"`
	AllowedScripts           []string      `yaml:"allowed_scripts"`
	StopWordsPath            string        `yaml:"stop_words_path"`
	StopWords                []string      `yaml:"stop_words"`
	BlockedDomains           []string      `yaml:"blocked_domains"`
	TrustedChats             []int64       `yaml:"trusted_chats"`
	ReportOnlyChats          []int64       `yaml:"report_only_chats"`
	GoodMessagesToTrust      int           `yaml:"good_messages_to_trust"`
	OracleTimeout            time.Duration `yaml:"oracle_timeout"`
	RestrictDuration         time.Duration `yaml:"restrict_duration"`
	BadMessageMinLength      int           `yaml:"bad_message_min_length"`
}

type ReputationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	BanlistURL string        `yaml:"banlist_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type IdentityConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type ClassifierConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ContentAIConfig struct {
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url"`
	Model   string  `yaml:"model"`
	Low     float64 `yaml:"low"`
	High    float64 `yaml:"high"`
}

type AuditConfig struct {
	AdminChatID int64           `yaml:"admin_chat_id"`
	AdminChats  map[int64]int64 `yaml:"admin_chats"`
}

type DispatchConfig struct {
	Workers      int           `yaml:"workers"`
	EventTimeout time.Duration `yaml:"event_timeout"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:      "info",
		RetentionDays: 14,
		Telegram:      TelegramConfig{PollTimeout: 60},
		Database:      DatabaseConfig{Driver: "sqlite", DSN: "/data/chatguard.db"},
		Health:        HealthConfig{Enabled: false, Addr: ":8080"},
		Captcha: CaptchaConfig{
			Enabled:          true,
			Timeout:          45 * time.Second,
			SweepInterval:    5 * time.Second,
			WrongAnswerBan:   10 * time.Minute,
			TimeoutBan:       20 * time.Minute,
			Options:          8,
			NewcomerRechecks: true,
		},
		TrustCache: TrustCacheConfig{CleanTTL: 5 * time.Second, BannedTTL: 3 * time.Hour},
		Dedup:      WindowConfig{Window: 24 * time.Hour, SweepInterval: 15 * time.Minute, MinLength: 10},
		History:    WindowConfig{Window: 24 * time.Hour, SweepInterval: 15 * time.Minute},
		Moderation: ModerationConfig{
			ButtonAutoBan:            true,
			LookalikeAutoBan:         true,
			HighConfidenceAutoBan:    true,
			BanlistAutoBan:           true,
			ClassifierSpamScore:      0.3,
			ClassifierHighConfidence: 3.0,
			AllowedScripts:           []string{"Latin", "Cyrillic", "Common", "Inherited"},
			GoodMessagesToTrust:      3,
			OracleTimeout:            10 * time.Second,
			RestrictDuration:         10 * time.Minute,
			BadMessageMinLength:      30,
		},
		Reputation: ReputationConfig{
			Enabled:    true,
			BaseURL:    "https://api.lols.bot",
			BanlistURL: "https://lols.bot/spam/banlist.json",
			Timeout:    5 * time.Second,
		},
		Classifier: ClassifierConfig{Timeout: 5 * time.Second},
		ContentAI: ContentAIConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "google/gemini-2.5-flash",
			Low:     0.75,
			High:    0.90,
		},
		Dispatch: DispatchConfig{Workers: 32, EventTimeout: 2 * time.Minute},
	}
}

// Load reads defaults, then the YAML file at CONFIG_PATH, then .env, then the
// environment.
func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	_ = godotenv.Load()
	applyEnv(&cfg)
	if cfg.Telegram.Token == "" && cfg.Discord.Token == "" {
		return Config{}, errors.New("TELEGRAM_TOKEN or DISCORD_TOKEN is required")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.Telegram.Token = envString("TELEGRAM_TOKEN", cfg.Telegram.Token)
	cfg.Discord.Token = envString("DISCORD_TOKEN", cfg.Discord.Token)
	cfg.Database.Driver = envString("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = envString("DATABASE_DSN", cfg.Database.DSN)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Captcha.Enabled = envBool("CAPTCHA_ENABLED", cfg.Captcha.Enabled)
	cfg.Captcha.DisabledChats = envInt64List("CAPTCHA_DISABLED_CHATS", cfg.Captcha.DisabledChats)
	cfg.Moderation.ButtonAutoBan = envBool("BUTTON_AUTO_BAN", cfg.Moderation.ButtonAutoBan)
	cfg.Moderation.LookalikeAutoBan = envBool("LOOKALIKE_AUTO_BAN", cfg.Moderation.LookalikeAutoBan)
	cfg.Moderation.HighConfidenceAutoBan = envBool("HIGH_CONFIDENCE_AUTO_BAN", cfg.Moderation.HighConfidenceAutoBan)
	cfg.Moderation.BanlistAutoBan = envBool("BANLIST_AUTO_BAN", cfg.Moderation.BanlistAutoBan)
	cfg.Moderation.LowConfidenceHamReport = envBool("LOW_CONFIDENCE_HAM_REPORT", cfg.Moderation.LowConfidenceHamReport)
	cfg.Moderation.StopWordsPath = envString("STOP_WORDS_PATH", cfg.Moderation.StopWordsPath)
	cfg.Moderation.TrustedChats = envInt64List("TRUSTED_CHATS", cfg.Moderation.TrustedChats)
	cfg.Moderation.ReportOnlyChats = envInt64List("REPORT_ONLY_CHATS", cfg.Moderation.ReportOnlyChats)
	cfg.Moderation.ClassifierHighConfidence = envFloat("CLASSIFIER_HIGH_CONFIDENCE", cfg.Moderation.ClassifierHighConfidence)
	cfg.Reputation.Enabled = envBool("REPUTATION_ENABLED", cfg.Reputation.Enabled)
	cfg.Reputation.BaseURL = envString("REPUTATION_URL", cfg.Reputation.BaseURL)
	cfg.Reputation.BanlistURL = envString("BANLIST_URL", cfg.Reputation.BanlistURL)
	cfg.Identity.URL = envString("IDENTITY_URL", cfg.Identity.URL)
	cfg.Identity.Token = envString("IDENTITY_TOKEN", cfg.Identity.Token)
	cfg.Classifier.URL = envString("CLASSIFIER_URL", cfg.Classifier.URL)
	cfg.ContentAI.APIKey = envString("CONTENT_AI_API_KEY", cfg.ContentAI.APIKey)
	cfg.ContentAI.BaseURL = envString("CONTENT_AI_BASE_URL", cfg.ContentAI.BaseURL)
	cfg.ContentAI.Model = envString("CONTENT_AI_MODEL", cfg.ContentAI.Model)
	cfg.Audit.AdminChatID = envInt64("ADMIN_CHAT_ID", cfg.Audit.AdminChatID)
	cfg.Dispatch.Workers = envInt("DISPATCH_WORKERS", cfg.Dispatch.Workers)
}

// AdminChat returns the operator chat for reports about chatID.
func (c AuditConfig) AdminChat(chatID int64) int64 {
	if id, ok := c.AdminChats[chatID]; ok {
		return id
	}
	return c.AdminChatID
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

// envInt64List parses a comma separated list of ids, skipping bad entries.
func envInt64List(key string, fallback []int64) []int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if parsed, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, parsed)
		}
	}
	return out
}
