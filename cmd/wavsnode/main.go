// Command wavsnode runs the operator node: it loads configuration, wires
// the dispatcher/engine/submission/aggregator pipeline together with the
// trigger manager's chain stream clients and cadence scheduler, and serves
// metrics until SIGINT/SIGTERM. Wiring style -- load config, build the
// service graph, start it, block on a signal channel, stop -- follows the
// teacher's cmd/indexer entrypoint.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lay3rLabs/wavs/infrastructure/logging"
	"github.com/Lay3rLabs/wavs/internal/aggregator"
	"github.com/Lay3rLabs/wavs/internal/chainapi"
	"github.com/Lay3rLabs/wavs/internal/dispatcher"
	"github.com/Lay3rLabs/wavs/internal/engine"
	"github.com/Lay3rLabs/wavs/internal/keystore"
	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/platform/config"
	"github.com/Lay3rLabs/wavs/internal/platform/metrics"
	"github.com/Lay3rLabs/wavs/internal/registry"
	"github.com/Lay3rLabs/wavs/internal/submission"
	"github.com/Lay3rLabs/wavs/internal/trigger/cadence"
	"github.com/Lay3rLabs/wavs/internal/trigger/cosmosstream"
	"github.com/Lay3rLabs/wavs/internal/trigger/evmstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().WithContext(context.Background()).WithError(err).Fatal("load config")
	}

	lg := logging.New("wavsnode", cfg.Logging.Level, cfg.Logging.Format)
	log := lg.WithFields(nil)

	ks, err := keystore.New([]byte(cfg.Keystore.Seed))
	if err != nil {
		log.WithError(err).Fatal("init keystore")
	}

	reg := registry.New()

	managers, handlers := buildChainAPIs(cfg.Chains)

	engineSink := make(chan model.TriggerAction, cfg.Dispatcher.QueueWarnDepth)
	submissionSink := make(chan dispatcher.EngineResult, cfg.Dispatcher.QueueWarnDepth)

	disp, err := dispatcher.New(dispatcher.Config{
		EngineSink:     engineSink,
		SubmissionSink: submissionSink,
		DedupCacheSize: cfg.Dispatcher.DedupCacheSize,
		Log:            log,
	})
	if err != nil {
		log.WithError(err).Fatal("init dispatcher")
	}

	eng := engine.New(engine.Config{
		Registry:   reg,
		Sink:       disp,
		Jobs:       engineSink,
		Workers:    cfg.Engine.Workers,
		StorageKey: storageKeyFrom(cfg.Engine.StorageKeySeed),
		Log:        log,
	})

	sub := submission.New(submission.Config{
		Registry: reg,
		Keystore: ks,
		Handlers: handlers,
		Gas: submission.GasPolicy{
			Multiplier: cfg.Submission.GasMultiplier,
			Cap:        cfg.Submission.GasCap,
		},
		Retry: submission.RetryPolicy{
			MaxAttempts: cfg.Submission.RetryMaxAttempts,
			Delay:       cfg.Submission.RetryDelay,
		},
		Timeout: cfg.Submission.SubmitTimeout,
		Results: submissionSink,
		Log:     log,
	})

	agg := aggregator.New(aggregator.Config{
		Managers:         managers,
		Handlers:         handlers,
		RetryDelay:       cfg.Aggregator.SubmitRetryDelay,
		StaleBlockWindow: cfg.Aggregator.StaleBlockWindow,
		Log:              log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eng.Run(ctx)
	go sub.Run(ctx)

	evmHeights := make(chainHeightSource)
	var streamClients []interface{ Run(context.Context) }
	for _, ch := range cfg.Chains {
		wsURLs := ch.AllWSEndpoints()
		if len(wsURLs) == 0 {
			continue
		}
		switch ch.Kind {
		case "evm":
			evmClient := evmstream.New(evmstream.Config{
				ChainID: ch.ID, WSURLs: wsURLs, Sink: disp, Registry: reg, Log: log,
			})
			evmClient.EnableBlockHeightStream()
			evmHeights[ch.ID] = evmClient
			streamClients = append(streamClients, evmClient)
		case "cosmos":
			streamClients = append(streamClients, cosmosstream.New(cosmosstream.Config{
				ChainID: ch.ID, WSURL: ch.WSEndpoint, Sink: disp, Registry: reg, Log: log,
			}))
		}
	}
	for _, c := range streamClients {
		go c.Run(ctx)
	}

	cadenceScheduler := cadence.New(cadence.Config{Registry: reg, Sink: disp, Heights: evmHeights, Log: log})
	go cadenceScheduler.Run(ctx)

	aggregatorServer := &http.Server{Addr: cfg.Aggregator.ListenAddr, Handler: agg.Handler()}
	go func() {
		if err := aggregatorServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("aggregator http server stopped")
		}
	}()

	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics http server stopped")
		}
	}()

	log.WithField("chains", len(cfg.Chains)).Info("wavsnode started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = disp.Shutdown(shutdownCtx)
	_ = aggregatorServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
}

// chainHeightSource dispatches cadence's block-height polling to the
// evmstream.Client subscribed to that chain's newHeads feed.
type chainHeightSource map[string]*evmstream.Client

func (s chainHeightSource) CurrentHeight(ctx context.Context, chainID string) (uint64, error) {
	c, ok := s[chainID]
	if !ok {
		return 0, fmt.Errorf("no evm stream client for chain %q", chainID)
	}
	return c.CurrentHeight(ctx, chainID)
}

// buildChainAPIs constructs one ServiceManagerView/ServiceHandler per EVM
// chain that declares a service-manager/service-handler contract address,
// keyed by chain id. Workflows reference a chain by setting
// Submit.ChainID (direct submission) or Submit.ServiceManager to the same
// chain id (aggregated submission), so both subsystems share this map.
func buildChainAPIs(chains []config.ChainConfig) (map[string]chainapi.ServiceManagerView, map[string]chainapi.ServiceHandler) {
	managers := make(map[string]chainapi.ServiceManagerView)
	handlers := make(map[string]chainapi.ServiceHandler)
	for _, ch := range chains {
		if ch.Kind != "evm" || ch.HTTPEndpoint == "" {
			continue
		}
		client := chainapi.NewEVMClient(ch.ID, ch.HTTPEndpoint, &http.Client{Timeout: 10 * time.Second})
		if ch.ServiceManagerAddress != "" {
			managers[ch.ID] = chainapi.NewEVMServiceManager(client, ch.ServiceManagerAddress)
		}
		if ch.ServiceHandlerAddress != "" {
			// "from" is left for the RPC endpoint's default account; wavsnode
			// only ever talks to dev/test nodes that sign on its behalf.
			handlers[ch.ID] = chainapi.NewEVMServiceHandler(client, ch.ServiceHandlerAddress, "")
		}
	}
	return managers, handlers
}

// storageKeyFrom derives the 32-byte root key that seals component KV
// storage at rest from an operator-supplied seed string; an empty seed
// leaves storage unsealed (fine for local/dev runs).
func storageKeyFrom(seed string) []byte {
	if seed == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(seed))
	return sum[:]
}
