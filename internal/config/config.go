// Package config loads process configuration from defaults, an optional YAML
// file and ASSISTANT_-prefixed environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "ASSISTANT"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	State     StateConfig     `mapstructure:"state"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Models    ModelsConfig    `mapstructure:"models"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Auth      AuthConfig      `mapstructure:"auth"`
	AWS       AWSConfig       `mapstructure:"aws"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	RequireAuth  bool   `mapstructure:"require_auth"`
	RateLimitQPS int    `mapstructure:"rate_limit_qps"`
}

type StoreConfig struct {
	Backend    string         `mapstructure:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
	DynamoDB   DynamoDBConfig `mapstructure:"dynamodb"`
}

type PostgresConfig struct {
	DSN     string        `mapstructure:"dsn"`
	MaxIdle int           `mapstructure:"max_idle"`
	MaxOpen int           `mapstructure:"max_open"`
	MaxLife time.Duration `mapstructure:"max_life"`
}

type DynamoDBConfig struct {
	Table string        `mapstructure:"table"`
	TTL   time.Duration `mapstructure:"ttl"`
}

type StateConfig struct {
	Backend  string      `mapstructure:"backend"`
	BoltPath string      `mapstructure:"bolt_path"`
	Redis    RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LLMConfig struct {
	Provider    string `mapstructure:"provider"`
	Model       string `mapstructure:"model"`
	BaseURL     string `mapstructure:"base_url"`
	APIKey      string `mapstructure:"api_key"`
	APIKeyParam string `mapstructure:"api_key_param"`
}

type GeneratorConfig struct {
	MaxContext  int           `mapstructure:"max_context"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	TopP        float64       `mapstructure:"top_p"`
}

// ModelsConfig lists artifacts fetched from object storage before the first
// inference. An empty Bucket disables the prefetch.
type ModelsConfig struct {
	Bucket      string   `mapstructure:"bucket"`
	Endpoint    string   `mapstructure:"endpoint"`
	CacheDir    string   `mapstructure:"cache_dir"`
	Artifacts   []string `mapstructure:"artifacts"`
	Concurrency int      `mapstructure:"concurrency"`
}

type IntakeConfig struct {
	MaxBytes int `mapstructure:"max_bytes"`
}

type ChatConfig struct {
	MaxText int `mapstructure:"max_text"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type AWSConfig struct {
	Region      string `mapstructure:"region"`
	ParamPrefix string `mapstructure:"param_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.require_auth", false)
	v.SetDefault("http.rate_limit_qps", 0)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "data/assistant.db")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_idle", 5)
	v.SetDefault("store.postgres.max_open", 20)
	v.SetDefault("store.postgres.max_life", time.Hour)
	v.SetDefault("store.dynamodb.table", "")
	v.SetDefault("store.dynamodb.ttl", 0)

	v.SetDefault("state.backend", "store")
	v.SetDefault("state.bolt_path", "data/state.bolt")
	v.SetDefault("state.redis.addr", "localhost:6379")
	v.SetDefault("state.redis.password", "")
	v.SetDefault("state.redis.db", 0)
	v.SetDefault("state.redis.prefix", "assistant:state:")
	v.SetDefault("state.redis.ttl", 48*time.Hour)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "llama3")
	v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.api_key_param", "")

	v.SetDefault("generator.max_context", 10)
	v.SetDefault("generator.timeout", 60*time.Second)
	v.SetDefault("generator.max_tokens", 512)
	v.SetDefault("generator.temperature", 0.7)
	v.SetDefault("generator.top_p", 0.9)

	v.SetDefault("models.bucket", "")
	v.SetDefault("models.endpoint", "")
	v.SetDefault("models.cache_dir", "models")
	v.SetDefault("models.artifacts", []string{})
	v.SetDefault("models.concurrency", 4)

	v.SetDefault("intake.max_bytes", 10<<20)
	v.SetDefault("chat.max_text", 4000)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.param_prefix", "")
}

// Load reads file (optional) and the environment over the defaults. Every key
// can be overridden as ASSISTANT_<SECTION>_<KEY>, for example
// ASSISTANT_STORE_BACKEND=postgres.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file = strings.TrimSpace(file); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			errs = append(errs, errors.New("store.sqlite_path is required"))
		}
	case "postgres":
		if strings.TrimSpace(c.Store.Postgres.DSN) == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
	case "dynamodb":
		if strings.TrimSpace(c.Store.DynamoDB.Table) == "" {
			errs = append(errs, errors.New("store.dynamodb.table is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	switch c.State.Backend {
	case "store":
	case "bolt":
		if strings.TrimSpace(c.State.BoltPath) == "" {
			errs = append(errs, errors.New("state.bolt_path is required"))
		}
	case "redis":
		if strings.TrimSpace(c.State.Redis.Addr) == "" {
			errs = append(errs, errors.New("state.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state.backend %q", c.State.Backend))
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}
	if c.Generator.MaxContext <= 0 {
		errs = append(errs, errors.New("generator.max_context must be positive"))
	}
	if c.Generator.Timeout <= 0 {
		errs = append(errs, errors.New("generator.timeout must be positive"))
	}
	if c.HTTP.RequireAuth && c.Store.Backend == "dynamodb" {
		errs = append(errs, errors.New("http.require_auth needs a relational store backend"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// AuthEnabled reports whether user accounts can be served: the store must
// hold users and a signing secret must be configured.
func (c *Config) AuthEnabled() bool {
	return c.Store.Backend != "dynamodb" && strings.TrimSpace(c.Auth.JWTSecret) != ""
}

// ParametersGetter is satisfied by *paramstore.Client.
type ParametersGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// ResolveSecrets fills the JWT secret and the Gemini API key from the
// parameter store under aws.param_prefix when they are left empty. It is a
// no-op without a prefix. The OpenAI-compatible backend resolves its own key
// lazily through llm.api_key_param.
func (c *Config) ResolveSecrets(ctx context.Context, g ParametersGetter) error {
	prefix := strings.TrimSpace(c.AWS.ParamPrefix)
	if prefix == "" {
		return nil
	}
	if g == nil {
		return errors.New("config: parameter store is required when aws.param_prefix is set")
	}

	targets := map[string]*string{}
	if c.LLM.APIKey == "" && c.LLM.APIKeyParam == "" && c.LLM.Provider == "gemini" {
		targets[path.Join(prefix, "llm_api_key")] = &c.LLM.APIKey
	}
	if c.Auth.JWTSecret == "" {
		targets[path.Join(prefix, "jwt_secret")] = &c.Auth.JWTSecret
	}
	if len(targets) == 0 {
		return nil
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	values, err := g.GetParameters(ctx, names...)
	if err != nil {
		return fmt.Errorf("config: resolve secrets: %w", err)
	}
	for name, dst := range targets {
		*dst = values[name]
	}
	return nil
}
