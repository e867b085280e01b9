// zentrias-server is the reference messaging backend: accounts, message
// storage, media uploads and the websocket live channel.
//
// It listens on plain TCP by default. With --tailnet-hostname it joins the
// tailnet as that host and serves HTTPS there instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MattCruikshank/zentrias/internal/auth"
	"github.com/MattCruikshank/zentrias/internal/config"
	"github.com/MattCruikshank/zentrias/internal/db"
	"github.com/MattCruikshank/zentrias/internal/logging"
	"github.com/MattCruikshank/zentrias/server"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"tailscale.com/tsnet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen, dataDir, tailnetHostname, logLevel string

	flagSet := pflag.NewFlagSet("zentrias-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&listen, "listen", "", "TCP address to listen on (overrides config)")
	flagSet.StringVar(&dataDir, "data-dir", "", "directory for the server database (overrides config)")
	flagSet.StringVar(&tailnetHostname, "tailnet-hostname", "", "serve on the tailnet as this host instead of --listen")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		cfg.Listen = listen
	}
	if flagSet.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flagSet.Changed("tailnet-hostname") {
		cfg.TailnetHostname = tailnetHostname
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logWriter, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	database, err := db.NewServerDB(filepath.Join(cfg.DataDir, "server.db"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(logger)
	go hub.Run(ctx)

	authenticator := auth.NewAuthenticator([]byte(cfg.TokenSecret), cfg.TokenTTL)
	srv := server.NewServer(hub, database, authenticator, logger, cfg.MaxUploadBytes)
	httpServer := &http.Server{
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tsServer *tsnet.Server
	var ln net.Listener
	if cfg.TailnetHostname != "" {
		tsServer = &tsnet.Server{
			Hostname: cfg.TailnetHostname,
			Dir:      filepath.Join(cfg.DataDir, "tailnet-state"),
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...), "component", "tsnet") },
		}
		ln, err = tsServer.ListenTLS("tcp", ":443")
	} else {
		ln, err = net.Listen("tcp", cfg.Listen)
	}
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen: %w", err), shutdown(nil, tsServer, database))
	}

	address := ln.Addr().String()
	if tsServer != nil {
		if domains := tsServer.CertDomains(); len(domains) > 0 {
			address = "https://" + domains[0]
		}
	}
	logger.Info("zentrias server running", "address", address)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(fmt.Errorf("server error: %w", err), shutdown(nil, tsServer, database))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	return shutdown(httpServer, tsServer, database)
}

// shutdown stops every component that was started and reports all failures.
func shutdown(httpServer *http.Server, tsServer *tsnet.Server, database *db.ServerDB) error {
	var result *multierror.Error

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if tsServer != nil {
		if err := tsServer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("tailnet shutdown: %w", err))
		}
	}
	if err := database.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("database close: %w", err))
	}
	return result.ErrorOrNil()
}
