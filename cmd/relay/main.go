package main

import (
	"context"
	"errors"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/orchestra-mcp/relay/config"
	"github.com/orchestra-mcp/relay/providers"
	"github.com/orchestra-mcp/relay/src/logging"
	"github.com/valyala/fasthttp"
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(nil, "info", false)
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(nil, cfg.LogLevel, cfg.LogPretty)

	relay := providers.NewRelayProvider(cfg, logger)
	if err := relay.Activate(); err != nil {
		logger.Fatal().Err(err).Msg("relay activation failed")
	}

	srv := &fasthttp.Server{
		Handler: relay.Handler(),
		Name:    "relay",
	}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(cfg.Addr); err != nil {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				logger.Info().Msg("graceful shutdown initiated")
				// Hijacked WebSocket connections are not tracked by the
				// server, so the hub has to close them itself.
				return errors.Join(
					relay.Deactivate(ctx),
					srv.ShutdownWithContext(ctx),
				)
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("relay exited")
	os.Exit(exitCode)
}
