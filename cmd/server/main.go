package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lourd/6005-guichat/pkg/server"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.guichat/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	wsPort := flag.Int("ws-port", -1, "WebSocket port, 0 to disable (overrides config)")
	metricsAddr := flag.String("metrics", "", "Prometheus metrics address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	allUsers := flag.Bool("all", false, "Treat every pair of logged-in users as friends")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("guichat server %s\n", Version)
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Command-line flags override the config file
	if *port != 0 {
		config.Server.Port = *port
	}
	if *wsPort >= 0 {
		config.Server.WebSocketPort = *wsPort
	}
	if *metricsAddr != "" {
		config.Server.MetricsAddr = *metricsAddr
	}
	if *debug {
		config.Server.Debug = true
	}
	if *allUsers {
		config.Server.AllUsers = true
	}

	if config.Server.Debug {
		log = log.Level(zerolog.DebugLevel)
		log.Debug().Msg("debug logging enabled")
	}
	if config.Server.AllUsers {
		log.Info().Msg("all-users mode enabled")
	}

	var metrics *server.Metrics
	if config.Server.MetricsAddr != "" {
		metrics = server.NewMetrics()
	}

	srv := server.NewServer(config, log, metrics)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if config.Server.WebSocketPort != 0 {
		wsServer, err := srv.StartWebSocket()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start websocket server")
		}
		g.Go(func() error {
			<-ctx.Done()
			return wsServer.Close()
		})
	}

	if config.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: config.Server.MetricsAddr, Handler: mux}

		g.Go(func() error {
			log.Info().Str("addr", config.Server.MetricsAddr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsServer.Close()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		srv.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}
