package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webspider/internal/api"
	"github.com/JakeFAU/webspider/internal/cache"
	"github.com/JakeFAU/webspider/internal/config"
	"github.com/JakeFAU/webspider/internal/crawler"
	"github.com/JakeFAU/webspider/internal/logging"
	pgqueue "github.com/JakeFAU/webspider/internal/queue/postgres"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts a crawl from the configured seed URL",
		Long: `Crawls outward from the seed URL in the configuration file until the
fetch queue is exhausted, printing lifecycle events as they occur. The queue
can be defrosted from an earlier snapshot and frozen again on exit.`,
		RunE: runCrawlCommand,
	}
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	engine, err := buildEngine(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	return runCrawl(cmd.Context(), cfg, engine, logger)
}

func buildEngine(ctx context.Context, cfg config.Config, logger *zap.Logger) (*crawler.Crawler, error) {
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, fmt.Errorf("build engine config: %w", err)
	}

	var opts []crawler.Option
	if cfg.Queue.Backend == "postgres" {
		pg, pgErr := pgqueue.New(ctx, cfg.Queue.DSN)
		if pgErr != nil {
			return nil, fmt.Errorf("init postgres queue: %w", pgErr)
		}
		opts = append(opts, crawler.WithQueue(pg))
	}
	if cfg.Cache.Enabled {
		store, cacheErr := cache.NewFS(cfg.Cache.Dir, logger)
		if cacheErr != nil {
			return nil, fmt.Errorf("init cache: %w", cacheErr)
		}
		opts = append(opts, crawler.WithCache(store))
	}

	engine, err := crawler.New(engineCfg, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("init crawler: %w", err)
	}

	if cfg.Queue.Defrost != "" {
		if err := engine.Queue().Defrost(ctx, cfg.Queue.Defrost); err != nil {
			return nil, fmt.Errorf("defrost queue: %w", err)
		}
		logger.Info("queue defrosted", zap.String("file", cfg.Queue.Defrost))
	}
	return engine, nil
}

func runCrawl(parent context.Context, cfg config.Config, engine *crawler.Crawler, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	engine.On(crawler.EventComplete, func(crawler.Event) {
		close(done)
	})
	registerEventLogging(engine, logger)

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.NewServer(engine, logger).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("status server listening", zap.String("addr", cfg.Server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		if err := engine.Start(); err != nil {
			return fmt.Errorf("start crawl: %w", err)
		}
		select {
		case <-done:
			return nil
		case <-groupCtx.Done():
			engine.Stop(true)
			return groupCtx.Err()
		}
	})

	err := group.Wait()

	if cfg.Queue.Freeze != "" {
		freezeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if freezeErr := engine.Queue().Freeze(freezeCtx, cfg.Queue.Freeze); freezeErr != nil {
			logger.Error("freeze queue failed", zap.Error(freezeErr))
		} else {
			logger.Info("queue frozen", zap.String("file", cfg.Queue.Freeze))
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// registerEventLogging wires the noisier crawl events into structured logs
// so a CLI run is observable without custom handlers.
func registerEventLogging(engine *crawler.Crawler, logger *zap.Logger) {
	engine.On(crawler.EventFetchComplete, func(evt crawler.Event) {
		logger.Info("fetched",
			zap.String("url", evt.Item.URL),
			zap.Int("depth", evt.Item.Depth),
			zap.Int("bytes", len(evt.Body)),
		)
	})
	engine.On(crawler.EventFetchRedirect, func(evt crawler.Event) {
		target := ""
		if evt.Target != nil {
			target = evt.Target.URL
		}
		logger.Info("redirected", zap.String("url", evt.Item.URL), zap.String("to", target))
	})
	engine.On(crawler.EventFetchDisallowed, func(evt crawler.Event) {
		logger.Warn("disallowed by robots.txt", zap.String("url", evt.Item.URL))
	})
	engine.On(crawler.EventFetchError, func(evt crawler.Event) {
		logger.Warn("fetch failed", zap.String("url", evt.Item.URL), zap.Any("code", evt.Item.StateData["code"]))
	})
	engine.On(crawler.EventFetchClientError, func(evt crawler.Event) {
		logger.Warn("client error", zap.String("url", evt.Item.URL), zap.Error(evt.Err))
	})
	engine.On(crawler.EventFetchTimeout, func(evt crawler.Event) {
		logger.Warn("timed out", zap.String("url", evt.Item.URL), zap.Duration("timeout", evt.Timeout))
	})
	engine.On(crawler.EventRobotsTxtError, func(evt crawler.Event) {
		logger.Warn("robots.txt error", zap.Error(evt.Err))
	})
}
