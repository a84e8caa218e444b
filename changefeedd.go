package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/admin"
	"github.com/daveisfera/rethinkdb/cfg"
	"github.com/daveisfera/rethinkdb/changefeed"
	"github.com/daveisfera/rethinkdb/mailbox"
	"github.com/daveisfera/rethinkdb/namespace"
	"github.com/daveisfera/rethinkdb/store"
	"github.com/daveisfera/rethinkdb/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node_name", cfg.Config.NodeName).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Changefeed node starting")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Cluster transport: NATS when configured, in-process otherwise
	var transport mailbox.Transport
	if cfg.Config.Nats.URL != "" {
		log.Info().Str("url", cfg.Config.Nats.URL).Msg("Using NATS transport")
		transport = mailbox.NewNats(
			cfg.Config.Nats.URL,
			cfg.Config.Nats.SubjectPrefix,
			mailbox.WithProbeInterval(time.Duration(cfg.Config.Nats.PeerProbeIntervalS)*time.Second),
			mailbox.WithProbeTimeout(time.Duration(cfg.Config.Nats.PeerProbeTimeoutMS)*time.Millisecond),
		)
	} else {
		log.Info().Msg("No NATS URL configured, using in-process transport")
		transport = mailbox.NewInproc()
	}

	mbox, err := mailbox.NewManager(cfg.Config.NodeName, transport)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to attach to cluster transport")
		return
	}
	defer mbox.Close()

	// Secondary index store backing limit windows
	storePath := cfg.Config.Store.Path
	if storePath == "" {
		storePath = filepath.Join(cfg.Config.DataDir, "sindex")
	}
	idx, err := store.New(storePath, store.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open index store")
		return
	}
	defer idx.Close()

	// Hosted tables and their broadcasters
	tables := namespace.NewManager(mbox)
	defer tables.Close()

	// Feed registry for local subscriptions
	source, err := namespace.NewCached(tables, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build namespace cache")
		return
	}
	client := changefeed.NewClient(mbox, source)
	defer client.Close()

	// Admin API
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		adminServer = admin.NewServer(admin.NewHandlers(client, tables))
		adminServer.Start()
		defer adminServer.Stop()
	}

	log.Info().
		Str("node_name", cfg.Config.NodeName).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")
}
