// Command tileengine runs the caching, transforming map-tile proxy as a
// standalone HTTP service. Process configuration follows the teacher's
// cmd/commands/serve.go pattern: a flat struct of `conf`-tagged fields
// parsed by github.com/ardanlabs/conf/v2, logged once at startup with
// go.uber.org/zap.
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

	"github.com/ardanlabs/conf/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gisquick/tileproxy/internal/config"
	"github.com/gisquick/tileproxy/internal/httpapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := struct {
		Tileengine struct {
			Debug      bool   `conf:"default:false"`
			ConfigFile string `conf:"default:/etc/tileengine/config.yaml"`
		}
		Web struct {
			Host            string        `conf:"default:0.0.0.0:8080"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
		}
	}{}

	const prefix = "TILEENGINE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	logLevel := zap.InfoLevel
	if cfg.Tileengine.Debug {
		logLevel = zap.DebugLevel
	}
	log, err := createLogger(logLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	doc, err := config.Load(cfg.Tileengine.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", cfg.Tileengine.ConfigFile, err)
	}

	graph, err := config.Build(doc, &http.Client{Timeout: 30 * time.Second}, log, nil)
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}

	srv := httpapi.New(graph, log)

	go func() {
		if err := srv.ListenAndServe(cfg.Web.Host); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func createLogger(level zapcore.Level) (*zap.SugaredLogger, error) {
	logCfg := zap.NewProductionConfig()
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logCfg.DisableStacktrace = true
	logCfg.Level.SetLevel(level)

	logger, err := logCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
