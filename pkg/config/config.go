package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Engagement EngagementConfig `mapstructure:"engagement"`
	Stage      StageConfig      `mapstructure:"stage"`
	Avoidance  AvoidanceConfig  `mapstructure:"avoidance"`
	Profile    ProfileConfig    `mapstructure:"profile"`
	Bot        BotConfig        `mapstructure:"bot"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type EngagementConfig struct {
	MaxPerDay           int           `mapstructure:"max_per_day"`
	WindowStart         string        `mapstructure:"window_start"`
	WindowEnd           string        `mapstructure:"window_end"`
	Timezone            string        `mapstructure:"timezone"`
	EnabledKinds        []string      `mapstructure:"enabled_kinds"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
	CheckinInterval     time.Duration `mapstructure:"checkin_interval"`
	MilestoneWindow     time.Duration `mapstructure:"milestone_window"`
	DetectorInterval    time.Duration `mapstructure:"detector_interval"`
	DispatcherInterval  time.Duration `mapstructure:"dispatcher_interval"`
	ItemTimeout         time.Duration `mapstructure:"item_timeout"`
	PolicyCacheTTL      time.Duration `mapstructure:"policy_cache_ttl"`
	ProactiveMaxTokens  int           `mapstructure:"proactive_max_tokens"`
}

type StageConfig struct {
	EvaluateEvery int `mapstructure:"evaluate_every"`
	MaxTokens     int `mapstructure:"max_tokens"`
}

type AvoidanceConfig struct {
	MinLength int      `mapstructure:"min_length"`
	Phrases   []string `mapstructure:"phrases"`
}

type ProfileConfig struct {
	Strategy  string        `mapstructure:"strategy"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxTokens int           `mapstructure:"max_tokens"`
}

type BotConfig struct {
	ReplyMaxTokens int `mapstructure:"reply_max_tokens"`
	HistoryLimit   int `mapstructure:"history_limit"`
}

// ParseClock converts "HH:MM" to minutes from midnight.
func ParseClock(value string) (int, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", value, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid clock value %q", value)
	}
	return hour*60 + minute, nil
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 400)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.timeout", "30s")
	v.SetDefault("engagement.max_per_day", 2)
	v.SetDefault("engagement.window_start", "09:00")
	v.SetDefault("engagement.window_end", "21:00")
	v.SetDefault("engagement.timezone", "Europe/Moscow")
	v.SetDefault("engagement.enabled_kinds", []string{"inactivity", "milestone", "avoidance", "checkin"})
	v.SetDefault("engagement.inactivity_threshold", "24h")
	v.SetDefault("engagement.checkin_interval", "72h")
	v.SetDefault("engagement.milestone_window", "5m")
	v.SetDefault("engagement.detector_interval", "60s")
	v.SetDefault("engagement.dispatcher_interval", "60s")
	v.SetDefault("engagement.item_timeout", "45s")
	v.SetDefault("engagement.policy_cache_ttl", "5m")
	v.SetDefault("engagement.proactive_max_tokens", 250)
	v.SetDefault("stage.evaluate_every", 5)
	v.SetDefault("stage.max_tokens", 50)
	v.SetDefault("avoidance.min_length", 12)
	v.SetDefault("profile.strategy", "hybrid")
	v.SetDefault("profile.timeout", "30s")
	v.SetDefault("profile.max_tokens", 400)
	v.SetDefault("bot.reply_max_tokens", 500)
	v.SetDefault("bot.history_limit", 12)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}
