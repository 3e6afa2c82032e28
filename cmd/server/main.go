// Command epochchat-server runs one EpochChat instance: the WebSocket session
// gateway and the history API, backed by a persistence store and a broker
// shared with the other instances.
//
// Usage:
//
//	epochchat-server [--config path/to/config.yaml] [--env .env]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/sneh-joshi/epochchat/internal/broker"
	"github.com/sneh-joshi/epochchat/internal/config"
	"github.com/sneh-joshi/epochchat/internal/gateway"
	"github.com/sneh-joshi/epochchat/internal/identity"
	"github.com/sneh-joshi/epochchat/internal/metrics"
	"github.com/sneh-joshi/epochchat/internal/node"
	"github.com/sneh-joshi/epochchat/internal/storage"
	"github.com/sneh-joshi/epochchat/internal/storage/bolt"
	"github.com/sneh-joshi/epochchat/internal/storage/postgres"
	transphttp "github.com/sneh-joshi/epochchat/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "epochchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envPath, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Log))

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	nodeID := n.ID().String()

	slog.Info("epochchat starting",
		"node_id", nodeID,
		"addr", cfg.Node.Addr(),
		"data_dir", n.DataDir(),
		"storage", cfg.Storage.Driver,
		"broker", cfg.Broker.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 4. Open the persistence store ────────────────────────────────────────
	store, err := openStore(ctx, cfg, n)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	// ── 5. Connect the broker ────────────────────────────────────────────────
	b, err := openBroker(ctx, cfg.Broker, nodeID)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn("broker close error", "err", err)
		}
	}()

	// ── 6. Identity verifier and metrics ─────────────────────────────────────
	verifier, err := identity.NewJWTVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("init verifier: %w", err)
	}
	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}

	// ── 7. Session gateway ───────────────────────────────────────────────────
	gw, err := gateway.New(cfg.Gateway, gateway.Deps{
		Store:    store,
		Broker:   b,
		Verifier: verifier,
		Metrics:  reg,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	// ── 8. HTTP / WebSocket transport ────────────────────────────────────────
	srv := transphttp.New(cfg, transphttp.Deps{
		Store:    store,
		Gateway:  gw,
		Verifier: verifier,
		Metrics:  reg,
		NodeID:   nodeID,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("epochchat ready", "node_id", nodeID, "addr", cfg.Node.Addr())
		if err := srv.ListenAndServe(cfg.Node.Addr()); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Give in-flight requests and open sockets 5 seconds to finish.
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		if err := gw.Shutdown(shutCtx); err != nil {
			slog.Warn("gateway shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("epochchat stopped")
	return nil
}

// storeCloser is a persistence store that owns resources.
type storeCloser interface {
	storage.Store
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config, n *node.Node) (storeCloser, error) {
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		s, err := postgres.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := bolt.Open(n.Path(cfg.Storage.BoltFile))
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return s, nil
	}
}

func openBroker(ctx context.Context, cfg config.BrokerConfig, origin string) (broker.Broker, error) {
	switch cfg.Driver {
	case config.BrokerRedis:
		r, err := broker.DialRedis(ctx, cfg.RedisURL, origin, broker.WithRedisChannel(cfg.RedisChannel))
		if err != nil {
			return nil, fmt.Errorf("connect redis broker: %w", err)
		}
		return r, nil
	case config.BrokerAMQP:
		a, err := broker.DialAMQP(cfg.AMQPURL, origin, broker.WithAMQPExchange(cfg.AMQPExchange))
		if err != nil {
			return nil, fmt.Errorf("connect amqp broker: %w", err)
		}
		return a, nil
	default:
		return broker.NewMemory(origin), nil
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
