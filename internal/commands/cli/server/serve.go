// Package server provides server-related CLI commands.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrei-cloud/procmacro/internal/config"
	"github.com/andrei-cloud/procmacro/internal/metrics"
	"github.com/andrei-cloud/procmacro/internal/plugins"
	"github.com/andrei-cloud/procmacro/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// serveFlags maps serve flags to the configuration keys they override.
var serveFlags = map[string]string{
	"host":         "server.host",
	"port":         "server.port",
	"instances":    "plugin.instances",
	"cache-dir":    "plugin.cache_dir",
	"watch":        "plugin.watch",
	"metrics-addr": "metrics.addr",
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the expansion server",
		Long: `Load every macro package below the plugin directory and serve
expansion requests over TCP. Send SIGHUP to reload the plugins.`,
		RunE: runServe,
	}

	// Add serve command specific flags that can override config.
	cmd.Flags().String("host", "localhost", "Server host")
	cmd.Flags().Int("port", 1500, "Server port")
	cmd.Flags().Int("instances", 1, "Concurrent instances per plugin")
	cmd.Flags().String("cache-dir", "", "Directory persisting compiled plugin code")
	cmd.Flags().Bool("watch", false, "Reload plugins when files in the plugin directory change")
	cmd.Flags().String("metrics-addr", "", "Address serving Prometheus metrics, empty to disable")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := config.BindFlags(cmd.Flags(), serveFlags); err != nil {
		return err
	}
	if err := config.Reload(); err != nil {
		return err
	}
	cfg := config.Get()

	// Make sure plugin directory exists.
	if err := os.MkdirAll(cfg.Plugin.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	open := func() (*plugins.Manager, error) {
		var loaderOpts []plugins.LoaderOption
		if cfg.Plugin.CacheDir != "" {
			loaderOpts = append(loaderOpts, plugins.WithCompilationCacheDir(cfg.Plugin.CacheDir))
		}

		pm, err := plugins.Open(ctx, cfg.Plugin.Path, loaderOpts,
			plugins.WithInstances(cfg.Plugin.Instances),
			plugins.WithManagerMetrics(mt),
		)
		if pm == nil {
			return nil, err
		}
		if err != nil {
			// Packages that loaded stay available.
			log.Warn().Err(err).Msg("some plugins failed to load")
		}
		logPlugins(pm)

		return pm, nil
	}

	pluginManager, err := open()
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}

	// Initialize the server with configured host and port.
	srv, err := server.NewServer(ctx, cfg.Address(), pluginManager)
	if err != nil {
		_ = pluginManager.Close(ctx)
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	reload := func() {
		log.Info().Msg("reloading plugins...")

		newPM, err := open()
		if err != nil {
			log.Error().Err(err).Msg("failed to reload plugins")
			return
		}

		// Update server with new plugin manager.
		srv.SetPluginManager(newPM)
		log.Info().Msg("plugins reloaded")
	}

	// Reload plugins on SIGHUP.
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(reloadChan)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadChan:
				reload()
			}
		}
	}()

	if cfg.Plugin.Watch {
		go func() {
			if err := plugins.Watch(ctx, cfg.Plugin.Path, plugins.DefaultDebounce, reload); err != nil {
				log.Error().Err(err).Msg("plugin watcher stopped")
			}
		}()
	}

	if cfg.Metrics.Addr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("address", cfg.Metrics.Addr).Msg("metrics server started")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	startErr := make(chan error, 1)
	go func() {
		startErr <- srv.Start()
	}()
	errChan := startErr

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopChan)

	for stopped := false; !stopped; {
		select {
		case err := <-errChan:
			if err != nil {
				_ = srv.PluginManager().Close(ctx)
				return fmt.Errorf("failed to start server: %w", err)
			}
			errChan = nil
		case <-stopChan:
			stopped = true
		case <-ctx.Done():
			stopped = true
		}
	}

	log.Info().Msg("shutting down server...")

	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}
	if err := srv.PluginManager().Close(context.Background()); err != nil {
		log.Error().Err(err).Msg("error closing plugins")
	}

	return nil
}

func logPlugins(pm plugins.PluginManagerInterface) {
	for _, info := range pm.ListPlugins() {
		log.Debug().
			Str("package", info.Package.Name).
			Str("version", info.Package.Version).
			Strs("attributes", info.Attributes).
			Str("path", info.Path).
			Int("instances", info.Instances).
			Msg("plugin details")
	}
}
