package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for poiscout
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Search       SearchConfig       `mapstructure:"search"`
	Optimizer    OptimizerConfig    `mapstructure:"optimizer"`
	Consolidator ConsolidatorConfig `mapstructure:"consolidator"`
	Skills       SkillsConfig       `mapstructure:"skills"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Server       ServerConfig       `mapstructure:"server"`
	Schedules    []ScheduleConfig   `mapstructure:"schedules"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single model endpoint
type LLMProvider struct {
	Type           string        `mapstructure:"type"` // openai or gemini
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Attempts       int           `mapstructure:"attempts"`
}

// LLMRoutingConfig names the provider used for each role
type LLMRoutingConfig struct {
	Planning   string `mapstructure:"planning"`   // plan construction
	Diagnosis  string `mapstructure:"diagnosis"`  // diagnosis and refinement suggestions
	Rewriting  string `mapstructure:"rewriting"`  // step rewrite and resample
	Evaluation string `mapstructure:"evaluation"` // relevance verdicts
	Search     string `mapstructure:"search"`     // search agent loop and record extraction
	Embedding  string `mapstructure:"embedding"`  // skill deduplication
}

func (r LLMRoutingConfig) roles() map[string]string {
	return map[string]string{
		"planning":   r.Planning,
		"diagnosis":  r.Diagnosis,
		"rewriting":  r.Rewriting,
		"evaluation": r.Evaluation,
		"search":     r.Search,
		"embedding":  r.Embedding,
	}
}

func (c LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers must define at least one provider")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "openai", "gemini":
		default:
			return fmt.Errorf("llm.providers.%s.type %q is not supported", name, p.Type)
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("llm.providers.%s.model required", name)
		}
	}
	for role, name := range c.Routing.roles() {
		if name == "" {
			continue
		}
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("llm.routing.%s references unknown provider %q", role, name)
		}
	}
	return nil
}

// Normalize points unset roles at the planning provider, or at the only
// provider when there is exactly one.
func (c LLMConfig) Normalize() LLMConfig {
	fallback := c.Routing.Planning
	if fallback == "" && len(c.Providers) == 1 {
		for name := range c.Providers {
			fallback = name
		}
	}
	r := &c.Routing
	for _, role := range []*string{&r.Planning, &r.Diagnosis, &r.Rewriting, &r.Evaluation, &r.Search, &r.Embedding} {
		if *role == "" {
			*role = fallback
		}
	}
	return c
}

// SearchConfig configures the search agent and its tools
type SearchConfig struct {
	Provider        string      `mapstructure:"provider"` // serper or brave
	SerperAPIKey    string      `mapstructure:"serper_api_key"`
	BraveAPIKey     string      `mapstructure:"brave_api_key"`
	ResultsPerQuery int         `mapstructure:"results_per_query"`
	MaxIterations   int         `mapstructure:"max_iterations"`
	StepAttempts    int         `mapstructure:"step_attempts"`
	Fetch           FetchConfig `mapstructure:"fetch"`
}

// FetchConfig controls page fetching for search results
type FetchConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Fetcher   string        `mapstructure:"fetcher"` // chromedp or http
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxChars  int           `mapstructure:"max_chars"`
	UserAgent string        `mapstructure:"user_agent"`
	// pages longer than CompressThreshold are condensed by the rewriting model
	Compress          bool `mapstructure:"compress"`
	CompressThreshold int  `mapstructure:"compress_threshold"`
}

func (s SearchConfig) Validate() error {
	switch s.Provider {
	case "serper", "brave":
	default:
		return fmt.Errorf("search.provider %q is not supported", s.Provider)
	}
	if s.ResultsPerQuery <= 0 {
		return fmt.Errorf("search.results_per_query must be > 0")
	}
	if s.MaxIterations <= 0 {
		return fmt.Errorf("search.max_iterations must be > 0")
	}
	if s.Fetch.Enabled {
		switch s.Fetch.Fetcher {
		case "chromedp", "http":
		default:
			return fmt.Errorf("search.fetch.fetcher %q is not supported", s.Fetch.Fetcher)
		}
	}
	return nil
}

// OptimizerConfig bounds the improvement loop
type OptimizerConfig struct {
	MaxRounds           int     `mapstructure:"max_rounds"`
	StepsPerRound       int     `mapstructure:"steps_per_round"`
	RefinementCap       int     `mapstructure:"refinement_cap"`
	DiagnosisAttempts   int     `mapstructure:"diagnosis_attempts"`
	PlanTemperature     float64 `mapstructure:"plan_temperature"`
	ResampleTemperature float64 `mapstructure:"resample_temperature"`
	ExecutionWorkers    int     `mapstructure:"execution_workers"`
}

func (o OptimizerConfig) Validate() error {
	if o.MaxRounds < 0 {
		return fmt.Errorf("optimizer.max_rounds cannot be negative")
	}
	if o.StepsPerRound <= 0 || o.RefinementCap <= 0 || o.DiagnosisAttempts <= 0 || o.ExecutionWorkers <= 0 {
		return fmt.Errorf("optimizer.steps_per_round, refinement_cap, diagnosis_attempts and execution_workers must be > 0")
	}
	return nil
}

// ConsolidatorConfig configures record merging and evaluation
type ConsolidatorConfig struct {
	EvaluationWorkers  int    `mapstructure:"evaluation_workers"`
	EvaluationAttempts int    `mapstructure:"evaluation_attempts"`
	NameFolding        string `mapstructure:"name_folding"`     // simple or unicode
	MergePreference    string `mapstructure:"merge_preference"` // prefer_specific or prefer_general
	CacheEvaluations   bool   `mapstructure:"cache_evaluations"`
}

// SkillsConfig configures the experience library
type SkillsConfig struct {
	Path              string  `mapstructure:"path"`
	MaxAdvice         int     `mapstructure:"max_advice"`
	ImprovementFactor float64 `mapstructure:"improvement_factor"`
	Samples           int     `mapstructure:"samples"`
	DedupThreshold    float64 `mapstructure:"dedup_threshold"`
	DiversityCount    int     `mapstructure:"diversity_count"`
}

func (s SkillsConfig) Validate() error {
	if s.DedupThreshold <= 0 || s.DedupThreshold > 1 {
		return fmt.Errorf("skills.dedup_threshold must be in (0, 1]")
	}
	if s.ImprovementFactor < 1 {
		return fmt.Errorf("skills.improvement_factor must be >= 1")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Enabled reports whether enough is configured to connect.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || (strings.TrimSpace(p.Host) != "" && strings.TrimSpace(p.DBName) != "")
}

// DSN builds the connection string, preferring url when set.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Enabled reports whether a Redis host is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr is host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"` // empty disables auth
}

// ScheduleConfig re-runs a search on a cron schedule while the server runs
type ScheduleConfig struct {
	Topic  string `mapstructure:"topic"`
	Cron   string `mapstructure:"cron"`
	Rounds int    `mapstructure:"rounds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.debug", false)

	v.SetDefault("search.provider", "serper")
	v.SetDefault("search.serper_api_key", "")
	v.SetDefault("search.brave_api_key", "")
	v.SetDefault("search.results_per_query", 5)
	v.SetDefault("search.max_iterations", 5)
	v.SetDefault("search.step_attempts", 2)
	v.SetDefault("search.fetch.enabled", true)
	v.SetDefault("search.fetch.fetcher", "chromedp")
	v.SetDefault("search.fetch.timeout", 15*time.Second)
	v.SetDefault("search.fetch.max_chars", 12000)
	v.SetDefault("search.fetch.compress", true)
	v.SetDefault("search.fetch.compress_threshold", 3000)
	v.SetDefault("search.fetch.user_agent", "poiscout/1.0")

	v.SetDefault("optimizer.max_rounds", 5)
	v.SetDefault("optimizer.steps_per_round", 2)
	v.SetDefault("optimizer.refinement_cap", 3)
	v.SetDefault("optimizer.diagnosis_attempts", 3)
	v.SetDefault("optimizer.plan_temperature", 0.0)
	v.SetDefault("optimizer.resample_temperature", 0.6)
	v.SetDefault("optimizer.execution_workers", 5)

	v.SetDefault("consolidator.evaluation_workers", 10)
	v.SetDefault("consolidator.evaluation_attempts", 3)
	v.SetDefault("consolidator.name_folding", "unicode")
	v.SetDefault("consolidator.merge_preference", "prefer_specific")
	v.SetDefault("consolidator.cache_evaluations", true)

	v.SetDefault("skills.path", "data/skills.json")
	v.SetDefault("skills.max_advice", 100)
	v.SetDefault("skills.improvement_factor", 1.5)
	v.SetDefault("skills.samples", 10)
	v.SetDefault("skills.dedup_threshold", 0.87)
	v.SetDefault("skills.diversity_count", 0)

	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.ttl", 72*time.Hour)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.jwt_secret", "")
}

// LoadConfig reads config from path, or searches the usual locations when
// path is empty. A missing file is not an error; defaults and POISCOUT_*
// environment variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("POISCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.LLM = cfg.LLM.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs,
		c.LLM.Validate(),
		c.Search.Validate(),
		c.Optimizer.Validate(),
		c.Skills.Validate(),
	)
	switch c.Consolidator.NameFolding {
	case "simple", "unicode":
	default:
		errs = append(errs, fmt.Errorf("consolidator.name_folding %q is not supported", c.Consolidator.NameFolding))
	}
	switch c.Consolidator.MergePreference {
	case "prefer_specific", "prefer_general":
	default:
		errs = append(errs, fmt.Errorf("consolidator.merge_preference %q is not supported", c.Consolidator.MergePreference))
	}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Topic) == "" || strings.TrimSpace(s.Cron) == "" {
			errs = append(errs, fmt.Errorf("schedules[%d] needs topic and cron", i))
		}
	}
	return errors.Join(errs...)
}
