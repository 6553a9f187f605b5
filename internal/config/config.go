package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "TRADECOLLECTOR_CONFIG"

	databaseDSNEnv      = "DATABASE_DSN"
	comtradeKeyEnv      = "COMTRADE_PRIMARY_KEY"
	openAIKeyEnv        = "OPENAI_API_KEY"
	chatGPTModelEnv     = "CHATGPT_MODEL"
	schedulerEnabledEnv = "SCHEDULER_ENABLED"
	schedulerHourEnv    = "SCHEDULER_DAILY_HOUR"
	schedulerMinuteEnv  = "SCHEDULER_DAILY_MINUTE"
	httpAddrEnv         = "HTTP_ADDR"
	logLevelEnv         = "LOG_LEVEL"
	logFormatEnv        = "LOG_FORMAT"
	telegramTokenEnv    = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv   = "TELEGRAM_CHAT_ID"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database      DatabaseConfig     `yaml:"database"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	HTTP          HTTPConfig         `yaml:"http"`
	Fetch         FetchConfig        `yaml:"fetch"`
	Sources       SourcesConfig      `yaml:"sources"`
	ChatGPT       ChatGPTConfig      `yaml:"chatgpt"`
	Notifications NotificationConfig `yaml:"notifications"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// DatabaseConfig selects the store: postgres:// DSNs use Postgres, anything else is a SQLite path.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SchedulerConfig defines when the daily pipeline runs.
type SchedulerConfig struct {
	Enabled     bool           `yaml:"enabled"`
	DailyHour   int            `yaml:"dailyHour"`
	DailyMinute int            `yaml:"dailyMinute"`
	Timezone    string         `yaml:"timezone"`
	Workers     int            `yaml:"workers"`
	location    *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// FetchConfig tunes the shared HTTP fetch utility.
type FetchConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	BaseDelay      time.Duration `yaml:"baseDelay"`
	RateLimitDelay time.Duration `yaml:"rateLimitDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"userAgent"`
}

// SourceConfig is the per-source switchboard.
type SourceConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DailyCallBudget int           `yaml:"dailyCallBudget"`
	MinInterval     time.Duration `yaml:"minInterval"`

	// BaseURL is the API root for eurostat, comtrade and federalRegister, the listing page
	// for otexa when Pages is empty, and the chat completions endpoint for the LLM sources.
	BaseURL string `yaml:"baseUrl"`
	// APIKey is the comtrade subscription key; for the LLM sources it overrides chatgpt.apiKey.
	APIKey string `yaml:"apiKey"`
	// Pages lists otexa listing pages.
	Pages []string `yaml:"pages"`
	// LookbackDays is the newsWatcher search window.
	LookbackDays int `yaml:"lookbackDays"`
}

// SourcesConfig lists every known source.
type SourcesConfig struct {
	Eurostat        SourceConfig `yaml:"eurostat"`
	Comtrade        SourceConfig `yaml:"comtrade"`
	FederalRegister SourceConfig `yaml:"federalRegister"`
	OTEXA           SourceConfig `yaml:"otexa"`
	NewsWatcher     SourceConfig `yaml:"newsWatcher"`
	MarketResearch  SourceConfig `yaml:"marketResearch"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	APIBase  string `yaml:"apiBase"`
}

// Enabled reports whether both token and chat are set.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// ChatGPTConfig defines how to contact the ChatGPT API.
type ChatGPTConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"apiKey"`
	SystemPrompt string  `yaml:"systemPrompt"`
	Temperature  float64 `yaml:"temperature"`
}

// LoggingConfig selects level and handler format (text or json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads .env and YAML configuration (if present) and applies environment overrides.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: cannot load .env: %v", err)
	}

	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			fileCfg := defaultConfig()
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = fileCfg
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Validate rejects settings the application cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is empty"))
	}
	if c.Scheduler.DailyHour < 0 || c.Scheduler.DailyHour > 23 {
		errs = append(errs, fmt.Errorf("scheduler.dailyHour %d out of range", c.Scheduler.DailyHour))
	}
	if c.Scheduler.DailyMinute < 0 || c.Scheduler.DailyMinute > 59 {
		errs = append(errs, fmt.Errorf("scheduler.dailyMinute %d out of range", c.Scheduler.DailyMinute))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(comtradeKeyEnv); v != "" {
		c.Sources.Comtrade.APIKey = v
	}

	if v := os.Getenv(openAIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}

	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}

	if v := os.Getenv(schedulerEnabledEnv); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.Enabled = b
		} else {
			log.Printf("config: ignoring %s=%q: %v", schedulerEnabledEnv, v, err)
		}
	}

	if v := os.Getenv(schedulerHourEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.DailyHour = n
		} else {
			log.Printf("config: ignoring %s=%q: %v", schedulerHourEnv, v, err)
		}
	}

	if v := os.Getenv(schedulerMinuteEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.DailyMinute = n
		} else {
			log.Printf("config: ignoring %s=%q: %v", schedulerMinuteEnv, v, err)
		}
	}

	if v := os.Getenv(httpAddrEnv); v != "" {
		c.HTTP.Addr = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(logFormatEnv); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		tz = defaultTimezone
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.Timezone = tz
	c.Scheduler.location = loc
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Database: DatabaseConfig{DSN: "tradecollector.db"},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			DailyHour:   2,
			DailyMinute: 0,
			Timezone:    defaultTimezone,
			Workers:     4,
			location:    tz,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Fetch: FetchConfig{
			MaxAttempts:    3,
			BaseDelay:      5 * time.Second,
			RateLimitDelay: 10 * time.Second,
			MaxDelay:       2 * time.Minute,
			Timeout:        60 * time.Second,
			UserAgent:      "TradeCollector/1.0",
		},
		Sources: SourcesConfig{
			Eurostat:        SourceConfig{Enabled: true},
			Comtrade:        SourceConfig{Enabled: true, DailyCallBudget: 480, MinInterval: 2 * time.Second},
			FederalRegister: SourceConfig{Enabled: true},
			OTEXA:           SourceConfig{Enabled: true},
			NewsWatcher:     SourceConfig{Enabled: true, LookbackDays: 7},
			MarketResearch:  SourceConfig{Enabled: true},
		},
		ChatGPT: ChatGPTConfig{
			Endpoint:    "https://api.openai.com/v1/chat/completions",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
		},
		Notifications: NotificationConfig{
			Telegram: TelegramConfig{APIBase: "https://api.telegram.org"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}
