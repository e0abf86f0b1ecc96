package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulsar-assistant/handler"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON HTTP API",
	RunE:  runServe,
}

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Serve API Gateway events as an AWS Lambda function",
	RunE:  runLambda,
}

func newHandler(ctx context.Context, a *app) (*handler.Handler, error) {
	gin.SetMode(gin.ReleaseMode)
	opts := []handler.Option{handler.WithLogger(a.logger)}
	if a.accounts != nil {
		opts = append(opts, handler.WithAccounts(a.accounts, a.cfg.HTTP.RequireAuth))
	} else if a.cfg.HTTP.RequireAuth {
		return nil, errors.New("http.require_auth is set but auth.jwt_secret is empty")
	}
	if qps := a.cfg.HTTP.RateLimitQPS; qps > 0 {
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		opts = append(opts, handler.WithRateLimit(client, qps))
	}
	return handler.NewHandler(a.chat, opts...)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := newHandler(ctx, a)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runLambda(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := newHandler(ctx, a)
	if err != nil {
		return err
	}
	lambda.Start(h.Handle)
	return nil
}
