package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/antswarm/swarmcore/internal/bootstrap"
	"github.com/antswarm/swarmcore/internal/config"
	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/internal/maddr"
	"github.com/antswarm/swarmcore/internal/payment"
	"github.com/antswarm/swarmcore/internal/recordcodec"
	"github.com/antswarm/swarmcore/internal/replication"
	"github.com/antswarm/swarmcore/internal/store"
	"github.com/antswarm/swarmcore/internal/swarm"
	"github.com/antswarm/swarmcore/internal/validation"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("swarmnode")

func runNode(cfg config.Config) error {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return err
	}
	self, err := key.FromPrivateKey(priv)
	if err != nil {
		return err
	}
	log.Infof("starting node %s", self)

	dataDir := cfg.BootstrapCachePath
	if dataDir == "" {
		dataDir = "./data"
	}
	recordStore, err := store.New(filepath.Join(dataDir, "records"), self, cfg.StoreSoftCapBytes, cfg.ClientPutGraceWindow)
	if err != nil {
		return err
	}

	// driver is declared before the validator so closestFn/densityFn can
	// close over it: the validator needs the driver's routing table to
	// answer responsibility checks, but the driver needs a validator to
	// construct. driver is nil only for the brief window before
	// swarm.NewDriver returns below, a window in which neither closure
	// is invoked (nothing submits a PUT before Run starts).
	var driver *swarm.Driver

	closestFn := func(k key.RecordKey) []key.PeerID {
		if driver == nil {
			return nil
		}
		res := driver.SubmitCommand(swarm.Command{Kind: swarm.CmdGetClosestPeers, TargetKey: [32]byte(k)})
		return res.Peers
	}
	densityFn := func() *int { return cfg.NetworkDensity }
	chainVerifier := payment.NewFakeChainVerifier()

	repl := replication.New(cfg.MaxConcurrentFetches, cfg.FetchBackoffStart, cfg.FetchBackoffCap,
		func(ctx context.Context, k key.RecordKey, candidates []key.PeerID, v replication.ValidationType) error {
			return nil
		})

	decoder := recordcodec.New()
	verifier := recordcodec.NewVerifier()
	validator := validation.New(cfg, self, closestFn, densityFn, recordStore, verifier, decoder, chainVerifier, repl)

	driver, err = swarm.NewDriver(cfg, self, recordStore, validator, nil)
	if err != nil {
		return err
	}
	go driver.Run()
	defer driver.Close()

	cachePath := filepath.Join(dataDir, "bootstrap-cache.json")
	cache := bootstrap.NewFileCache(cachePath)
	contacts := bootstrap.NewHTTPContactsFetcher(cfg.BootstrapFetchTimeout)
	pipeline := bootstrap.NewPipeline(cfg, cache, contacts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cache.RunPeriodicFlush(ctx, cfg.StoreSyncInterval)
	go runBootstrap(ctx, pipeline, driver)
	go repl.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

func runBootstrap(ctx context.Context, p *bootstrap.Pipeline, driver *swarm.Driver) {
	contacted := 0
	for {
		done := bootstrap.Trigger(ctx, p, 10, 200, func() int { return contacted }, func(a maddr.NetworkAddress) bool {
			res := driver.SubmitCommand(swarm.Command{Kind: swarm.CmdDial, Addr: a})
			if res.Err != nil {
				bootstrap.HandleDialError(bootstrap.DialErrOther, a, res.Err)
				return false
			}
			contacted++
			return true
		})
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}
