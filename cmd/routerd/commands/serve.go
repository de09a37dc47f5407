package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	mqttchan "github.com/lilltek/router/channel/mqtt"
	serialchan "github.com/lilltek/router/channel/serial"
	"github.com/lilltek/router/endpoint"
	"github.com/lilltek/router/internal/config"
	"github.com/lilltek/router/internal/snapshot"
	"github.com/lilltek/router/message"
	"github.com/lilltek/router/metrics"
	"github.com/lilltek/router/router"
	"github.com/lilltek/router/routerid"

	"github.com/spf13/cobra"
)

// snapshotInterval is how often serve refreshes the CLI introspection
// state file.
const snapshotInterval = 5 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the router daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logLevel := new(slog.LevelVar)
	if err := logLevel.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		logLevel.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	resolver := endpoint.NewResolver(endpoint.Config{
		AbstractMap:      cfg.Abstract,
		MaxPhysicalDepth: cfg.Router.MaxPhysicalDepth,
	})
	selfEP, err := resolver.Parse(cfg.Router.SelfEP)
	if err != nil {
		return fmt.Errorf("parsing router.self-ep %q: %w", cfg.Router.SelfEP, err)
	}

	identity, err := loadOrGenerateIdentity(cfg.Router.IdentitySeedHex)
	if err != nil {
		return fmt.Errorf("loading router identity: %w", err)
	}

	r := router.New(router.Config{
		SelfEP:                     selfEP,
		Identity:                   identity,
		DeadRouterTTL:              cfg.Router.DeadRouterTTL,
		DeadRouterDetectionEnabled: cfg.Router.DeadRouterDetection,
		Workers:                    cfg.Router.Workers,
		QueueDepth:                 cfg.Router.QueueDepth,
		Registry:                   message.NewRegistry(),
		Metrics:                    metrics.New(),
		Logger:                     logger,
	})

	if err := wireChannels(r, cfg.Channels, logger); err != nil {
		return fmt.Errorf("wiring channels: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r.Start(ctx)
	logger.Info("routerd started", "self_ep", selfEP.String())

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runSnapshotLoop(gCtx, r, cfg.Router.StateFile, logger)
	})
	g.Go(func() error {
		<-gCtx.Done()
		return nil
	})

	err = g.Wait()
	r.Stop()
	logger.Info("routerd stopped")
	return err
}

// wireChannels attaches the optional example channels (§SPEC_FULL.md's
// domain stack: paho MQTT, go.bug.st/serial) the configuration enables.
// Both are Connect()ed synchronously at startup; a failure to connect is
// logged, not fatal, since a router with zero channels still dispatches
// locally registered handlers. The MQTT client keeps retrying the
// connection on its own; the serial channel makes no further attempt.
func wireChannels(r *router.Router, cfg config.ChannelsConfig, logger *slog.Logger) error {
	if cfg.MQTT.Enabled {
		ch := mqttchan.New(mqttchan.Config{
			Name:        "mqtt",
			Broker:      cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Logger:      logger,
		})
		r.AddChannel(ch)
		if err := ch.Connect(context.Background()); err != nil {
			logger.Warn("mqtt channel failed to connect at startup, will retry", "error", err)
		}
	}
	if cfg.Serial.Enabled {
		ch := serialchan.New(serialchan.Config{
			Name:     "serial",
			Port:     cfg.Serial.Port,
			BaudRate: cfg.Serial.Baud,
			Logger:   logger,
		})
		r.AddChannel(ch)
		if err := ch.Connect(context.Background()); err != nil {
			logger.Warn("serial channel failed to connect at startup", "error", err)
		}
	}
	return nil
}

// runSnapshotLoop periodically dumps the router's peer set and route
// table to stateFile for `routerd routes`/`routerd peers` to read.
func runSnapshotLoop(ctx context.Context, r *router.Router, stateFile string, logger *slog.Logger) error {
	if stateFile == "" {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		snap := snapshot.Build(r.LogicalEndpointSetID(), r.Peers(), r.Routes())
		if err := snapshot.WriteFile(stateFile, snap); err != nil {
			logger.Warn("failed to write state snapshot", "path", stateFile, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// loadOrGenerateIdentity derives a routerid.Identity from a hex-encoded
// seed if one is configured, otherwise generates a fresh ephemeral
// identity (acceptable for a single process's lifetime; operators who
// want advertisements to remain verifiable across restarts must
// configure router.identity-seed).
func loadOrGenerateIdentity(seedHex string) (*routerid.Identity, error) {
	if seedHex == "" {
		return routerid.Generate()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decoding identity seed: %w", err)
	}
	return routerid.FromSeed(seed)
}
