// Command radlink-node runs a single radlink peer: it loads or creates a
// persistent identity, opens the monorepo refdb, starts the replication
// wire protocol over libp2p, and drains a gossip adapter into replication
// rounds against whichever peers announce having a namespace.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/radicle-works/link/internal/gossip"
	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/objstore"
	"github.com/radicle-works/link/internal/refdb"
	"github.com/radicle-works/link/internal/replication"
	"github.com/radicle-works/link/internal/signedrefs"
	"github.com/radicle-works/link/internal/tracking"
	"github.com/radicle-works/link/internal/transport"
	"github.com/radicle-works/link/internal/urn"
	"github.com/radicle-works/link/internal/verify"
)

func main() {
	configPath := flag.String("config", "radlink.json", "path to the node config file")
	dialAddr := flag.String("dial", "", "multiaddr (including /p2p/<id>) of a peer to replicate from once, then exit")
	namespace := flag.String("namespace", "", "urn of the namespace to replicate when -dial is set")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *dialAddr, *namespace, logger); err != nil {
		logger.Error("radlink-node exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, dialAddr, namespaceStr string, logger *slog.Logger) error {
	cfg, err := LoadNodeConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	keys, err := keystore.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("node identity ready", "peer_id", keys.PublicKey())

	// The in-memory object store and refdb are the reference
	// implementations (spec §6): a durable backing store is out of scope
	// here, same as the rest of this module.
	objects := objstore.NewMemStore()
	refs := refdb.New(objects)
	signedStore := signedrefs.NewStore(objects, refs)
	trackingConfig := tracking.NewConfig()
	verifier := verify.New(refs, objects, cfg.VerifyDepth, keys.PublicKey())

	registry := prometheus.NewRegistry()
	metrics := replication.NewMetrics(registry)
	engine := replication.New(refs, objects, trackingConfig, verifier, cfg.replicationConfig(), metrics, logger)
	dispatcher := gossip.New(cfg.gossipConfig(), logger)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	host, err := transport.NewHost(keys, cfg.ListenAddrs)
	if err != nil {
		return fmt.Errorf("start transport host: %w", err)
	}
	defer host.Close()
	transport.Register(host, transport.NewServer(refs, objects, signedStore, logger))
	for _, addr := range host.Addrs() {
		logger.Info("listening", "addr", fmt.Sprintf("%s/p2p/%s", addr, host.ID()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dialAddr != "" {
		return replicateOnce(ctx, host, engine, trackingConfig, cfg, dialAddr, namespaceStr, logger)
	}
	return serve(ctx, host, engine, dispatcher, logger)
}

// replicateOnce drives a single round against dialAddr and returns, for
// ad hoc use and scripting rather than the long-running gossip loop.
func replicateOnce(ctx context.Context, host libp2phost.Host, engine *replication.Engine, tracked *tracking.Config, cfg NodeConfig, dialAddr, namespaceStr string, logger *slog.Logger) error {
	if namespaceStr == "" {
		return errors.New("-namespace is required with -dial")
	}
	ns, err := urn.Parse(namespaceStr)
	if err != nil {
		return fmt.Errorf("parse namespace: %w", err)
	}

	peer, err := transport.Dial(ctx, host, dialAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", dialAddr, err)
	}
	tracked.Track(ns, peer.PeerID())

	outcome, err := engine.Replicate(ctx, ns, peer)
	if err != nil {
		return fmt.Errorf("replicate %s from %s: %w", ns, dialAddr, err)
	}
	logger.Info("replication round finished", "namespace", ns, "phase", outcome.Phase, "committed", outcome.Committed)

	if err := tracked.Save(cfg.StateDir, ns); err != nil {
		logger.Warn("save tracking config", "error", err)
	}
	return nil
}

// serve runs the dispatcher loop: every debounced gossip WorkItem becomes
// one replication round per announcing peer, until ctx is cancelled.
func serve(ctx context.Context, host libp2phost.Host, engine *replication.Engine, dispatcher *gossip.Adapter, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			dispatcher.Stop()
			return nil
		case item := <-dispatcher.Work():
			replicateAnnounced(ctx, host, engine, item, logger)
			dispatcher.MarkProcessed(item.URN)
		}
	}
}

func replicateAnnounced(ctx context.Context, host libp2phost.Host, engine *replication.Engine, item gossip.WorkItem, logger *slog.Logger) {
	for _, p := range item.Peers {
		info := host.Peerstore().PeerInfo(p.ID)
		if len(info.Addrs) == 0 {
			logger.Warn("no known address for announcing peer, skipping", "peer", p)
			continue
		}
		addr := fmt.Sprintf("%s/p2p/%s", info.Addrs[0], p)
		peer, err := transport.Dial(ctx, host, addr)
		if err != nil {
			logger.Warn("dial failed", "peer", p, "error", err)
			continue
		}
		if _, err := engine.Replicate(ctx, item.URN, peer); err != nil {
			logger.Warn("replication round failed", "namespace", item.URN, "peer", p, "error", err)
		}
	}
}
