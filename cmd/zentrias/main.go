// zentrias is a terminal client for one-to-one messaging.
//
// Lines starting with "/" are commands (see /help); any other line is sent
// as a text message to the open conversation.
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

	"github.com/MattCruikshank/zentrias/client"
	"github.com/MattCruikshank/zentrias/internal/config"
	"github.com/MattCruikshank/zentrias/internal/db"
	"github.com/MattCruikshank/zentrias/internal/logging"
	"github.com/gorilla/websocket"
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
	var configPath, baseURL, dataDir, tailnetHostname, logLevel string
	var resyncOnSend bool

	flagSet := pflag.NewFlagSet("zentrias", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&baseURL, "base-url", "", "messaging backend URL (overrides config)")
	flagSet.StringVar(&dataDir, "data-dir", "", "directory for the client database and logs (overrides config)")
	flagSet.StringVar(&tailnetHostname, "tailnet-hostname", "", "reach the backend through the tailnet as this host")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.BoolVar(&resyncOnSend, "resync-on-send", false, "re-fetch the conversation after every send")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("base-url") {
		cfg.BaseURL = baseURL
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
	if flagSet.Changed("resync-on-send") {
		cfg.ResyncOnSend = resyncOnSend
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	// Logs would interleave with the conversation on the terminal.
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.DataDir, "zentrias.log")
	}
	logger, logWriter, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	store, err := db.NewClientDB(filepath.Join(cfg.DataDir, "client.db"))
	if err != nil {
		return err
	}

	clientConfig := client.Config{
		BaseURL:      cfg.BaseURL,
		LiveURL:      cfg.LiveURL(),
		Store:        store,
		Logger:       logger,
		ResyncOnSend: cfg.ResyncOnSend,
	}

	if cfg.TailnetHostname != "" {
		tsServer := &tsnet.Server{
			Hostname: cfg.TailnetHostname,
			Dir:      filepath.Join(cfg.DataDir, "tailnet-state"),
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...), "component", "tsnet") },
		}
		defer tsServer.Close()
		clientConfig.HTTPClient = tsServer.HTTPClient()
		clientConfig.Dialer = &websocket.Dialer{
			NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return tsServer.Dial(ctx, network, addr)
			},
			HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		}
	} else {
		clientConfig.HTTPClient = &http.Client{}
	}

	c, err := client.New(clientConfig)
	if err != nil {
		store.Close()
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ui := newUI(c, os.Stdout, cfg.AudioCommand)
	return ui.run(ctx, os.Stdin)
}
