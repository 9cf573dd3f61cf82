// Command lansyncd is the LAN synchronization daemon: it announces the node
// over multicast, serves documents to peers, and runs the periodic sync
// worker.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/trosyn/lansync/internal/config"
	"github.com/trosyn/lansync/internal/discovery"
	"github.com/trosyn/lansync/internal/docstore"
	"github.com/trosyn/lansync/internal/log"
	"github.com/trosyn/lansync/internal/protocol"
	"github.com/trosyn/lansync/internal/secret"
	"github.com/trosyn/lansync/internal/storage"
	"github.com/trosyn/lansync/internal/syncengine"
	"github.com/trosyn/lansync/internal/transport"
)

const (
	// DefaultConfigPath is the default path for the lansyncd configuration file.
	DefaultConfigPath = "~/.config/lansync/lansync.yaml"
	// DefaultPIDFile is the default path for the lansyncd PID file.
	DefaultPIDFile = "~/.local/share/lansync/lansyncd.pid"
)

// expandPath expands the ~ in a path to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// writePIDFile writes the current process ID to the PID file.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// removePIDFile removes the PID file.
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// runDaemon wires the services together and blocks until a signal arrives.
func runDaemon(cfg *config.Config, pidFile string) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer removePIDFile(pidFile)

	key, err := secret.Resolve(cfg.Security)
	if err != nil {
		return fmt.Errorf("resolving shared secret: %w", err)
	}
	if key == nil {
		log.Warn().Msg("no shared secret configured, message signing disabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	docs, err := docstore.Open(filepath.Join(cfg.DataDir, "documents.db"))
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer docs.Close()
	queue, err := storage.Open(filepath.Join(cfg.DataDir, "sync.db"))
	if err != nil {
		return fmt.Errorf("opening sync queue: %w", err)
	}
	defer queue.Close()

	handler := protocol.NewHandler(cfg.Node.ID, cfg.Node.Name, key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	}()

	auth := func(payload map[string]any) (bool, map[string]any) {
		nodeID, _ := payload["node_id"].(string)
		if nodeID == "" {
			return false, nil
		}
		return true, map[string]any{"capabilities": payload["capabilities"]}
	}
	serverTLS, err := cfg.Security.ServerTLS()
	if err != nil {
		return err
	}
	srv := transport.NewServer(handler, auth, transport.ServerConfig{
		HeartbeatInterval: time.Duration(cfg.Heartbeat.Interval) * time.Second,
		MaxMissed:         cfg.Heartbeat.MaxMissed,
		TLS:               serverTLS,
	})
	syncengine.RegisterHandlers(srv, docs)
	if err := srv.Start(ctx, fmt.Sprintf(":%d", cfg.Network.SyncPort)); err != nil {
		return err
	}
	defer srv.Stop()

	disc, err := discovery.New(cfg, []string{"sync"})
	if err != nil {
		return err
	}
	disc.OnDeviceFound(func(dev discovery.Device) {
		if err := queue.SeedNodeStatus(dev.NodeID); err != nil {
			log.Warn().Err(err).Str("node_id", dev.NodeID).Msg("seeding peer status")
		}
	})
	if err := disc.Start(ctx); err != nil {
		return err
	}
	defer disc.Stop()

	strategy, err := syncengine.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return err
	}
	engine := syncengine.New(cfg.Node.ID, docs, queue, strategy, cfg.Sync.MaxRetries, cfg.Sync.QueueLimit)

	clientTLS, err := cfg.Security.ClientTLS()
	if err != nil {
		return err
	}
	clientCfg := transport.ClientConfig{
		TLS:                  clientTLS,
		ConnectTimeout:       time.Duration(cfg.Network.ConnectTimeout) * time.Second,
		RequestTimeout:       time.Duration(cfg.Network.RequestTimeout) * time.Second,
		AuthTimeout:          time.Duration(cfg.Network.AuthTimeout) * time.Second,
		HeartbeatInterval:    time.Duration(cfg.Heartbeat.Interval) * time.Second,
		HeartbeatTimeout:     time.Duration(cfg.Heartbeat.Timeout) * time.Second,
		MaxMissedHeartbeats:  cfg.Heartbeat.MaxMissed,
		ReconnectInitial:     time.Duration(cfg.Sync.ReconnectInitial) * time.Second,
		ReconnectMax:         time.Duration(cfg.Sync.ReconnectMax) * time.Second,
		MaxReconnectAttempts: cfg.Sync.ReconnectRetries,
		AuthPayload: func() map[string]any {
			return map[string]any{"capabilities": []any{"sync"}}
		},
	}
	dial := func(ctx context.Context, dev discovery.Device) (syncengine.Peer, error) {
		addr := net.JoinHostPort(dev.Address, strconv.Itoa(dev.Port))
		client := transport.NewClient(addr, handler, clientCfg)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return syncengine.NewPeerSession(dev.NodeID, client), nil
	}
	worker := syncengine.NewWorker(engine, queue, disc.OnlineDevices, dial,
		time.Duration(cfg.Sync.Interval)*time.Second)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})

	log.Info().
		Str("node_id", cfg.Node.ID).
		Str("node_name", cfg.Node.Name).
		Int("sync_port", cfg.Network.SyncPort).
		Msg("Lansync daemon started")

	err = g.Wait()
	log.Info().Msg("Lansync daemon stopped")
	return err
}

func main() {
	var (
		configPath string
		pidFile    string
		dataDir    string
		logLevel   string
		nodeName   string
	)

	app := &cli.App{
		Name:  "lansyncd",
		Usage: "LAN document synchronization daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the configuration file",
				Value:       DefaultConfigPath,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "pid-file",
				Aliases:     []string{"p"},
				Usage:       "Path to the PID file",
				Value:       DefaultPIDFile,
				Destination: &pidFile,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Aliases:     []string{"d"},
				Usage:       "Directory for the document and sync databases",
				Destination: &dataDir,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Logging level (debug, info, warn, error)",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "node-name",
				Aliases:     []string{"n"},
				Usage:       "Human-readable name announced to peers",
				Destination: &nodeName,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(expandPath(configPath))
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = expandPath(dataDir)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if nodeName != "" {
				cfg.Node.Name = nodeName
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDaemon(cfg, expandPath(pidFile))
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("Lansyncd failed")
		os.Exit(1)
	}
}
