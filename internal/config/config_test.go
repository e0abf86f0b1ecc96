package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "store", cfg.State.Backend)
	require.Equal(t, 10, cfg.Generator.MaxContext)
	require.Equal(t, 60*time.Second, cfg.Generator.Timeout)
	require.Equal(t, 48*time.Hour, cfg.State.Redis.TTL)
	require.Equal(t, 10<<20, cfg.Intake.MaxBytes)
	require.False(t, cfg.AuthEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ASSISTANT_STORE_BACKEND", "postgres")
	t.Setenv("ASSISTANT_STORE_POSTGRES_DSN", "postgres://localhost/assistant")
	t.Setenv("ASSISTANT_GENERATOR_TIMEOUT", "15s")
	t.Setenv("ASSISTANT_GENERATOR_MAX_CONTEXT", "4")
	t.Setenv("ASSISTANT_MODELS_ARTIFACTS", "model.gguf,tokenizer.json")
	t.Setenv("ASSISTANT_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Store.Backend)
	require.Equal(t, "postgres://localhost/assistant", cfg.Store.Postgres.DSN)
	require.Equal(t, 15*time.Second, cfg.Generator.Timeout)
	require.Equal(t, 4, cfg.Generator.MaxContext)
	require.Equal(t, []string{"model.gguf", "tokenizer.json"}, cfg.Models.Artifacts)
	require.True(t, cfg.AuthEnabled())
}

func TestLoad_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
store:
  backend: dynamodb
  dynamodb:
    table: chat-history
    ttl: 720h
state:
  backend: redis
  redis:
    addr: cache:6379
llm:
  provider: gemini
  model: gemini-2.5-flash
`), 0o600))

	cfg, err := Load(file)
	require.NoError(t, err)
	require.Equal(t, "chat-history", cfg.Store.DynamoDB.Table)
	require.Equal(t, 720*time.Hour, cfg.Store.DynamoDB.TTL)
	require.Equal(t, "cache:6379", cfg.State.Redis.Addr)
	require.Equal(t, "gemini", cfg.LLM.Provider)
	require.Equal(t, "assistant:state:", cfg.State.Redis.Prefix)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(c *Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }},
		{"dynamodb without table", func(c *Config) { c.Store.Backend = "dynamodb" }},
		{"unknown state", func(c *Config) { c.State.Backend = "memcached" }},
		{"bolt without path", func(c *Config) {
			c.State.Backend = "bolt"
			c.State.BoltPath = ""
		}},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "claude" }},
		{"zero context", func(c *Config) { c.Generator.MaxContext = 0 }},
		{"auth on dynamodb", func(c *Config) {
			c.Store.Backend = "dynamodb"
			c.Store.DynamoDB.Table = "t"
			c.HTTP.RequireAuth = true
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mod(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

type fakeParams struct {
	values map[string]string
	err    error
	names  []string
}

func (f *fakeParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	f.names = append(f.names, names...)
	return f.values, f.err
}

func TestResolveSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.NoError(t, cfg.ResolveSecrets(context.Background(), nil))

	cfg.AWS.ParamPrefix = "/assistant/prod"
	cfg.LLM.Provider = "gemini"
	params := &fakeParams{values: map[string]string{
		"/assistant/prod/jwt_secret":  "jwt",
		"/assistant/prod/llm_api_key": "key",
	}}
	require.NoError(t, cfg.ResolveSecrets(context.Background(), params))
	sort.Strings(params.names)
	require.Equal(t, []string{"/assistant/prod/jwt_secret", "/assistant/prod/llm_api_key"}, params.names)
	require.Equal(t, "jwt", cfg.Auth.JWTSecret)
	require.Equal(t, "key", cfg.LLM.APIKey)

	params.names = nil
	require.NoError(t, cfg.ResolveSecrets(context.Background(), params))
	require.Empty(t, params.names)
}

func TestResolveSecrets_Errors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.AWS.ParamPrefix = "/assistant"

	require.Error(t, cfg.ResolveSecrets(context.Background(), nil))
	require.Error(t, cfg.ResolveSecrets(context.Background(), &fakeParams{err: errors.New("denied")}))
}
