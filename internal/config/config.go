package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Matching   MatchingConfig   `yaml:"matching" mapstructure:"matching"`
	BOM        BOMConfig        `yaml:"bom" mapstructure:"bom"`
	Resolve    ResolveConfig    `yaml:"resolve" mapstructure:"resolve"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Heuristics HeuristicsConfig `yaml:"heuristics" mapstructure:"heuristics"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// MatchingConfig selects matching layers and the progressive-enhancement threshold.
type MatchingConfig struct {
	UseDirect      bool    `yaml:"use_direct" mapstructure:"use_direct"`
	UseHeuristic   bool    `yaml:"use_heuristic" mapstructure:"use_heuristic"`
	UseNLP         bool    `yaml:"use_nlp" mapstructure:"use_nlp"`
	UseLLM         bool    `yaml:"use_llm" mapstructure:"use_llm"`
	MinConfidence  float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	ForceAllLayers bool    `yaml:"force_all_layers" mapstructure:"force_all_layers"`
	MaxCandidates  int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	NLPThreshold   float64 `yaml:"nlp_threshold" mapstructure:"nlp_threshold"`
	LLMTimeoutSecs int     `yaml:"llm_timeout_secs" mapstructure:"llm_timeout_secs"`
}

// BOMConfig configures bill-of-materials explosion.
type BOMConfig struct {
	MaxDepth          int    `yaml:"max_depth" mapstructure:"max_depth"`
	BaseDir           string `yaml:"base_dir" mapstructure:"base_dir"`
	LoaderTimeoutSecs int    `yaml:"loader_timeout_secs" mapstructure:"loader_timeout_secs"`
}

// ResolveConfig configures the nested matching orchestrator.
type ResolveConfig struct {
	ConcurrencyLimit int `yaml:"concurrency_limit" mapstructure:"concurrency_limit"`
}

// StoreConfig configures the solution store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	TTLDays     int    `yaml:"ttl_days" mapstructure:"ttl_days"`
}

// TaxonomyConfig points at an optional process taxonomy file.
type TaxonomyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// HeuristicsConfig points at an optional heuristic rule file.
type HeuristicsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings for the LLM matching layer.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// FetchConfig configures remote BOM fetching.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SUPPLYTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("matching.use_direct", true)
	v.SetDefault("matching.use_heuristic", true)
	v.SetDefault("matching.use_nlp", true)
	v.SetDefault("matching.use_llm", false)
	v.SetDefault("matching.min_confidence", 0.8)
	v.SetDefault("matching.force_all_layers", false)
	v.SetDefault("matching.max_candidates", 5)
	v.SetDefault("matching.nlp_threshold", 0.45)
	v.SetDefault("matching.llm_timeout_secs", 30)
	v.SetDefault("bom.max_depth", 10)
	v.SetDefault("bom.base_dir", ".")
	v.SetDefault("bom.loader_timeout_secs", 20)
	v.SetDefault("resolve.concurrency_limit", 4)
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", "solutions")
	v.SetDefault("store.ttl_days", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("fetch.user_agent", "supplytree/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a given command mode depends on. Every
// problem is reported, not just the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "resolve":
	case "store":
		problems = append(problems, c.validateStore()...)
	case "serve":
		problems = append(problems, c.validateStore()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Matching.MinConfidence < 0 || c.Matching.MinConfidence > 1 {
		problems = append(problems, "matching.min_confidence must be between 0 and 1")
	}
	if c.Matching.NLPThreshold < 0 || c.Matching.NLPThreshold > 1 {
		problems = append(problems, "matching.nlp_threshold must be between 0 and 1")
	}
	if !c.Matching.UseDirect && !c.Matching.UseHeuristic && !c.Matching.UseNLP && !c.Matching.UseLLM {
		problems = append(problems, "matching: at least one layer must be enabled")
	}
	if c.Matching.UseLLM && c.Anthropic.Key == "" {
		problems = append(problems, "anthropic.key is required when matching.use_llm is set")
	}
	if c.Resolve.ConcurrencyLimit < 1 || c.Resolve.ConcurrencyLimit > 64 {
		problems = append(problems, "resolve.concurrency_limit must be between 1 and 64")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var problems []string
	switch c.Store.Driver {
	case "file":
		if c.Store.Dir == "" {
			problems = append(problems, "store.dir is required for the file driver")
		}
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		problems = append(problems, "store.driver must be one of file, sqlite, postgres")
	}
	if c.Store.TTLDays < 0 {
		problems = append(problems, "store.ttl_days must be >= 0")
	}
	return problems
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
