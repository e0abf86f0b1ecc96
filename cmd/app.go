package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"pulsar-assistant/internal/auth"
	"pulsar-assistant/internal/config"
	"pulsar-assistant/internal/conversation"
	"pulsar-assistant/internal/generator"
	"pulsar-assistant/internal/intake"
	"pulsar-assistant/internal/integrations/gemini"
	"pulsar-assistant/internal/integrations/modelstore"
	"pulsar-assistant/internal/integrations/openai"
	"pulsar-assistant/internal/integrations/paramstore"
	"pulsar-assistant/internal/repository"
	"pulsar-assistant/internal/repository/postgres"
	"pulsar-assistant/internal/repository/sqlite"
	"pulsar-assistant/internal/statestore"
	"pulsar-assistant/internal/usecase"
)

// gateway is what every message store backend provides.
type gateway interface {
	usecase.Gateway
	conversation.HistoryLoader
}

type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	chat     *usecase.ChatService
	accounts *usecase.AccountService
	handle   *generator.ModelHandle
	redis    *redis.Client

	awsCfg  *aws.Config
	params  *paramstore.Client
	closers []func() error
}

// buildApp opens the configured backends and wires the interaction cycle.
// Callers must Close the result.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.resolveSecrets(ctx); err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	states, err := a.openStateCache(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.buildModelHandle(ctx); err != nil {
		return nil, err
	}

	gen, err := generator.New(a.handle, generator.Config{
		MaxContext:  cfg.Generator.MaxContext,
		Timeout:     cfg.Generator.Timeout,
		MaxTokens:   cfg.Generator.MaxTokens,
		Temperature: cfg.Generator.Temperature,
		TopP:        cfg.Generator.TopP,
	}, logger)
	if err != nil {
		return nil, err
	}
	ctrl, err := conversation.New(intake.New(cfg.Intake.MaxBytes), gen, store,
		conversation.WithMaxContext(cfg.Generator.MaxContext),
		conversation.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	opts := []usecase.ChatOption{
		usecase.WithMaxText(cfg.Chat.MaxText),
		usecase.WithCache(a.handle),
		usecase.WithLogger(logger),
	}
	if states != nil {
		opts = append(opts, usecase.WithStateCache(states))
	}
	a.chat, err = usecase.NewChatService(store, ctrl, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.AuthEnabled() {
		users, ok := store.(auth.UserStore)
		if !ok {
			return nil, fmt.Errorf("store backend %q does not hold users", cfg.Store.Backend)
		}
		svc, err := auth.NewService(users, cfg.Auth.JWTSecret,
			auth.WithTokenTTL(cfg.Auth.TokenTTL),
			auth.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if a.accounts, err = usecase.NewAccountService(svc); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if a.cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(a.cfg.AWS.Region))
	}
	c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	a.awsCfg = &c
	return c, nil
}

func (a *app) paramStore(ctx context.Context) (*paramstore.Client, error) {
	if a.params != nil {
		return a.params, nil
	}
	c, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	a.params, err = paramstore.New(awsssm.NewFromConfig(c))
	return a.params, err
}

func (a *app) resolveSecrets(ctx context.Context) error {
	if a.cfg.AWS.ParamPrefix == "" {
		return nil
	}
	ps, err := a.paramStore(ctx)
	if err != nil {
		return err
	}
	return a.cfg.ResolveSecrets(ctx, ps)
}

func (a *app) openStore(ctx context.Context) (gateway, error) {
	switch a.cfg.Store.Backend {
	case "sqlite":
		s, err := sqlite.Open(a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "postgres":
		pg := a.cfg.Store.Postgres
		s, err := postgres.Open(postgres.Config{DSN: pg.DSN, MaxOpen: pg.MaxOpen, MaxIdle: pg.MaxIdle, MaxLife: pg.MaxLife}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "dynamodb":
		c, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return repository.New(awsdynamodb.NewFromConfig(c), a.cfg.Store.DynamoDB.Table,
			repository.WithTTL(a.cfg.Store.DynamoDB.TTL))
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
}

// openStateCache returns nil when state is read from the store alone.
func (a *app) openStateCache(ctx context.Context) (usecase.StateCache, error) {
	switch a.cfg.State.Backend {
	case "redis":
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		rc := a.cfg.State.Redis
		return statestore.New(client, statestore.WithTTL(rc.TTL), statestore.WithPrefix(rc.Prefix))
	case "bolt":
		s, err := statestore.OpenBolt(a.cfg.State.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, nil
	}
}

// redisClient connects once; the state store and the rate limiter share it.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rc := a.cfg.State.Redis
	client, err := statestore.Connect(ctx, rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *app) buildModelHandle(ctx context.Context) error {
	llm := a.cfg.LLM
	var factory generator.Factory
	switch llm.Provider {
	case "openai":
		opts := []openai.Option{openai.WithBaseURL(llm.BaseURL), openai.WithAPIKey(llm.APIKey)}
		if llm.APIKeyParam != "" {
			ps, err := a.paramStore(ctx)
			if err != nil {
				return err
			}
			opts = append(opts, openai.WithKeyParameter(ps, llm.APIKeyParam))
		}
		factory = func(context.Context) (generator.Backend, error) {
			return openai.NewClient(llm.Model, opts...)
		}
	case "gemini":
		factory = func(ctx context.Context) (generator.Backend, error) {
			return gemini.NewClient(ctx, llm.APIKey, llm.Model)
		}
	default:
		return fmt.Errorf("unknown llm provider %q", llm.Provider)
	}

	var prefetch generator.Prefetcher
	if m := a.cfg.Models; m.Bucket != "" {
		c, err := a.awsConfig(ctx)
		if err != nil {
			return err
		}
		store, err := modelstore.New(modelstore.NewS3API(c, m.Endpoint), m.Bucket, m.CacheDir, m.Artifacts,
			modelstore.WithConcurrency(m.Concurrency),
			modelstore.WithLogger(a.logger))
		if err != nil {
			return err
		}
		prefetch = store
	}

	h, err := generator.NewModelHandle(factory, prefetch)
	if err != nil {
		return err
	}
	a.handle = h
	return nil
}

func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("closing resources", zap.Error(err))
	}
	a.closers = nil
}
