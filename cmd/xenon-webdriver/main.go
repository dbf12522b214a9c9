// Package main provides the entry point for the xenon webdriver proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/stevepryde/xenon/internal/config"
	"github.com/stevepryde/xenon/internal/fleet"
	"github.com/stevepryde/xenon/internal/metrics"
	"github.com/stevepryde/xenon/internal/middleware"
	"github.com/stevepryde/xenon/internal/node"
	"github.com/stevepryde/xenon/internal/portpool"
	"github.com/stevepryde/xenon/internal/router"
	"github.com/stevepryde/xenon/internal/session"
	"github.com/stevepryde/xenon/pkg/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings := config.DefaultSettings()

	port := flag.Uint("port", uint(settings.Port), "Port to listen on")
	host := flag.String("host", settings.Host, "Host/IP to bind to")
	configPath := flag.String("config", config.DefaultConfigFile, "Path to the YAML config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("xenon-webdriver %s\n", version.Full())
		return 0
	}

	setupLogging(settings.LogLevel)

	settings.Host = *host
	settings.Port = int(*port)
	settings.Validate()

	printBanner()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Error().Err(err).Str("path", *configPath).Msg("Failed to load config")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Str("path", *configPath).Msg("Invalid config")
		return 1
	}
	log.Info().
		Int("browsers", len(cfg.Browsers)).
		Int("port_ranges", len(cfg.Ports)).
		Int("nodes", len(cfg.Nodes)).
		Msg("Configuration loaded")

	// Core state: port pool, session directory, fleets, node registry.
	ports := portpool.New(cfg.PortRanges())
	dir := session.NewDirectory()

	fleets := fleet.NewFleets(cfg, ports, fleet.Options{
		StartupTimeout: settings.DriverStartupTimeout,
		StopTimeout:    settings.DriverStopTimeout,
	}, func(processID string) {
		dir.RemoveByProcess(processID)
		metrics.SessionsActive.Set(float64(dir.Len()))
	})

	registry := node.NewRegistry(cfg.Nodes)
	poller := node.NewPoller(settings.PollInterval)
	poller.Start(registry)

	// Optional config hot reload: only the node list applies at runtime.
	var watcher *config.Watcher
	if settings.WatchConfig {
		watcher, err = config.NewWatcher(*configPath, func(next *config.Config) {
			added, removed := registry.Apply(next.Nodes)
			for _, name := range removed {
				poller.Untrack(name)
				log.Info().Str("node", name).Msg("Node removed from registry")
			}
			for _, n := range added {
				poller.Track(n)
				log.Info().Str("node", n.Name).Str("url", n.URL).Msg("Node added to registry")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watching disabled")
		}
	}

	handler := router.New(settings, fleets, registry, dir)

	// Middleware chain, outermost first.
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
	}
	var rateLimiter *middleware.RateLimiter
	if settings.RateLimitEnabled {
		log.Info().Int("requests_per_minute", settings.RateLimitRPM).Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimiter(settings.RateLimitRPM)
		chain = append(chain, rateLimiter.Handler())
	}
	finalHandler := middleware.Chain(chain...)(handler)

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       settings.NewSessionTimeout + 10*time.Second,
		WriteTimeout:      settings.NewSessionTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("Failed to listen")
		return 1
	}
	if settings.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, settings.MaxConnections)
	}

	// Metrics side-server keeps /metrics off the WebDriver surface.
	var metricsServer *http.Server
	if settings.MetricsEnabled {
		metricsAddr := fmt.Sprintf("%s:%d", settings.MetricsBindAddr, settings.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         metricsAddr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		go func() {
			log.Info().Str("addr", metricsAddr).Msg("Metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Background gauge refresh for the pool/fleet/node metrics.
	gaugeStop := make(chan struct{})
	go refreshGauges(gaugeStop, fleets, ports, registry, dir)

	go func() {
		log.Info().
			Str("address", addr).
			Int("max_connections", settings.MaxConnections).
			Msg("xenon-webdriver is ready to accept requests")

		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), settings.ShutdownGrace)
	defer cancel()

	// Stop accepting and drain in-flight requests.
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	close(gaugeStop)
	if watcher != nil {
		watcher.Close()
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}
	poller.Close()

	// Tell peers to drop the sessions we borrowed, best-effort.
	closeRemoteSessions(ctx, dir)

	// Terminate local drivers and release their ports.
	if err := fleets.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Fleet shutdown error")
	}

	log.Info().Msg("Shutdown complete")
	return 0
}

// closeRemoteSessions issues DELETE for every remote session so peers can
// reclaim their drivers promptly. Failures are logged and ignored; the
// peers' own reaping handles the rest.
func closeRemoteSessions(ctx context.Context, dir *session.Directory) {
	sessions := dir.Snapshot()
	client := &http.Client{Timeout: 5 * time.Second}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, sess := range sessions {
		if sess.IsLocal() {
			continue
		}
		s := sess
		eg.Go(func() error {
			url := s.UpstreamURL + "/session/" + s.UpstreamID
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
			if err != nil {
				return nil
			}
			resp, err := client.Do(req)
			if err != nil {
				log.Debug().Err(err).Str("session_id", s.ID).Msg("Remote session cleanup failed")
				return nil
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil
		})
	}
	_ = eg.Wait()
}

// refreshGauges keeps the pool/fleet/node gauges current.
func refreshGauges(stop <-chan struct{}, fleets *fleet.Fleets, ports *portpool.Pool, registry *node.Registry, dir *session.Directory) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, s := range fleets.Stats() {
				metrics.ProcessesLive.WithLabelValues(s.Name).Set(float64(s.Processes))
			}
			_, leased := ports.Size()
			metrics.PortsLeased.Set(float64(leased))

			reachable := 0
			for _, n := range registry.Snapshot() {
				if n.Reachable() {
					reachable++
				}
			}
			metrics.NodesReachable.Set(float64(reachable))
			metrics.SessionsActive.Set(float64(dir.Len()))
		case <-stop:
			return
		}
	}
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
__  _____ _ __   ___  _ __
\ \/ / _ \ '_ \ / _ \| '_ \
 >  <  __/ | | | (_) | | | |
/_/\_\___|_| |_|\___/|_| |_|
            webdriver proxy
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting xenon-webdriver")
}
