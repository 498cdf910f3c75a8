package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
	Images   ImagesConfig   `yaml:"images"`
	Engine   EngineConfig   `yaml:"engine"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=mysql postgres sqlite memory"`
	DSN             string        `yaml:"dsn" validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig enables the distributed turn lock, image URL cache and stream fan-out.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" validate:"required_if=Enabled true"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"min=0"`
	PoolSize int           `yaml:"pool_size" validate:"min=0"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type LLMConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model" validate:"required"`
	SummaryModel string        `yaml:"summary_model"`
	MaxTokens    int           `yaml:"max_tokens" validate:"min=0"`
	Temperature  float32       `yaml:"temperature" validate:"min=0,max=2"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit" validate:"min=0"` // requests per second, 0 = unlimited
	MaxRetries   int           `yaml:"max_retries" validate:"min=0,max=10"`
}

type ImagesConfig struct {
	Enabled bool `yaml:"enabled"`
	// AutoRender renders every visual prompt as soon as it is attached
	AutoRender   bool   `yaml:"auto_render"`
	Model        string `yaml:"model"`
	Size         string `yaml:"size"`
	MaxWorkers   int    `yaml:"max_workers" validate:"min=1"`
	MaxQueueSize int    `yaml:"max_queue_size" validate:"min=1"`
}

type EngineConfig struct {
	SaveAttempts     int           `yaml:"save_attempts" validate:"min=1,max=10"`
	SaveBackoff      time.Duration `yaml:"save_backoff"`
	TurnLockTTL      time.Duration `yaml:"turn_lock_ttl"`
	Visualize        bool          `yaml:"visualize"`
	DefaultGameSpeed int           `yaml:"default_game_speed" validate:"min=1,max=10"`
	DefaultArchetype string        `yaml:"default_archetype"`
}

type PromptsConfig struct {
	TemplateDir         string `yaml:"template_dir"`
	ArchetypesFile      string `yaml:"archetypes_file"`
	NarratorRules       string `yaml:"narrator_rules"`
	VisualizationPrompt string `yaml:"visualization_prompt"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
	Output string `yaml:"output"`
}

// Default returns a configuration that runs locally against SQLite
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // streaming responses
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "storyos.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 24 * time.Hour,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o",
			MaxTokens:   1024,
			Temperature: 0.8,
			Timeout:     2 * time.Minute,
			RateLimit:   5,
			MaxRetries:  3,
		},
		Images: ImagesConfig{
			Model:        "dall-e-3",
			Size:         "1024x1024",
			MaxWorkers:   2,
			MaxQueueSize: 32,
		},
		Engine: EngineConfig{
			SaveAttempts:     3,
			SaveBackoff:      50 * time.Millisecond,
			TurnLockTTL:      5 * time.Minute,
			DefaultGameSpeed: 4,
			DefaultArchetype: "Hero's Journey",
		},
		Prompts: PromptsConfig{
			NarratorRules: "You are StoryOS, the dungeon master of a text-based role-playing game. " +
				"Respond to the player's actions with vivid, concise narration and always end by inviting the next action.",
			VisualizationPrompt: "You are a visual director. Produce three vivid, self-contained image prompts for the current scene " +
				"in a consistent cinematic illustration style: one focused on characters or events, one on the setting, " +
				"one on the mood and atmosphere.",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file layered over Default. A .env
// file in the working directory is loaded first; an empty path skips the YAML file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply environment variable overrides
func applyEnv(cfg *Config) {
	if apiKey := firstEnv("STORYOS_OPENAI_API_KEY", "OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("STORYOS_OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if driver := os.Getenv("STORYOS_DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = strings.ToLower(driver)
	}
	if dsn := os.Getenv("STORYOS_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("STORYOS_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if level := os.Getenv("STORYOS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

var validate = validator.New()

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
