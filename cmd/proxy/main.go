// Command proxy runs the merging mining proxy: it maintains
// connections to one or more job providers and, optionally, one or
// more priority-ordered pools, merges their output into composite
// work, and exposes that work to a downstream Stratum server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockrelay/mining-proxy/internal/downstream"
	"github.com/blockrelay/mining-proxy/internal/jobprovider"
	"github.com/blockrelay/mining-proxy/internal/merge"
	"github.com/blockrelay/mining-proxy/internal/metrics"
	"github.com/blockrelay/mining-proxy/internal/pool"
	"github.com/blockrelay/mining-proxy/internal/sig"
	"github.com/blockrelay/mining-proxy/internal/types"
	"github.com/blockrelay/mining-proxy/internal/upstream"
	"github.com/blockrelay/mining-proxy/internal/wire"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type config struct {
	JobProviders  []string `long:"job_provider" description:"host:port of a job provider (repeatable, at least one required)"`
	PoolServers   []string `long:"pool_server" description:"host:port of a pool server, highest priority first (repeatable)"`
	StratumBind   string   `long:"stratum_listen_bind" description:"host:port the downstream Stratum server listens on" required:"true"`
	PayoutAddress string   `long:"payout_address" description:"operator payout address (base58 or bech32)" required:"true"`
	MetricsBind   string   `long:"metrics_listen_bind" description:"host:port to serve Prometheus metrics on (optional)"`
}

var workCodec = upstream.Codec[wire.WorkMessage]{
	Encode: wire.EncodeWorkMessage,
	Decode: wire.DecodeWorkMessage,
}

var poolCodec = upstream.Codec[wire.PoolMessage]{
	Encode: wire.EncodePoolMessage,
	Decode: wire.DecodePoolMessage,
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := &config{}
	parser := flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)
	if _, err := parser.Parse(); err != nil {
		logger.Error("failed to parse flags", zap.Error(err))
		os.Exit(1)
	}
	if len(cfg.JobProviders) == 0 {
		logger.Error("at least one --job_provider is required")
		os.Exit(1)
	}

	payoutScript, err := addressToScript(cfg.PayoutAddress)
	if err != nil {
		logger.Error("invalid payout_address", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	havePool := len(cfg.PoolServers) > 0
	pools := make([]*pool.Handler, 0, len(cfg.PoolServers))
	poolUpdateChannels := make([]chan pool.Update, 0, len(cfg.PoolServers))
	for i, host := range cfg.PoolServers {
		poolJobCh := make(chan pool.Update, 5)
		h := pool.New(host, i, poolJobCh, nil, logger)
		pools = append(pools, h)
		poolUpdateChannels = append(poolUpdateChannels, poolJobCh)
	}

	engine := merge.New(payoutScript, pools, logger)

	for i, host := range cfg.JobProviders {
		jobCh := make(chan jobprovider.Update, 10)
		h := jobprovider.New(host, havePool, jobCh, nil, logger)
		go forwardJobProviderUpdates(ctx, h, jobCh, engine)
		name := maintainerName("job-provider", i, host)
		go (&upstream.Maintainer[wire.WorkMessage]{
			Host:    host,
			Handler: h,
			Codec:   workCodec,
			Logger:  logger.Named(name),
		}).Run(ctx)
	}

	for i, h := range pools {
		host := cfg.PoolServers[i]
		poolCh := poolUpdateChannels[i]
		go forwardPoolUpdates(ctx, h, poolCh, engine)
		name := maintainerName("pool", i, host)
		go (&upstream.Maintainer[wire.PoolMessage]{
			Host:    host,
			Handler: h,
			Codec:   poolCodec,
			Logger:  logger.Named(name),
		}).Run(ctx)
	}

	if cfg.MetricsBind != "" {
		go func() {
			if err := serveMetrics(ctx, cfg.MetricsBind); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	sink := &loggingStratumSink{logger: logger}
	go downstream.Pump(ctx, engine.WorkChannel(), sink, logger)

	logger.Info("mining proxy started",
		zap.Strings("job_providers", cfg.JobProviders),
		zap.Strings("pool_servers", cfg.PoolServers),
		zap.String("stratum_listen_bind", cfg.StratumBind),
	)

	<-ctx.Done()
	logger.Info("shutting down")
}

func maintainerName(kind string, index int, host string) string {
	return fmt.Sprintf("%s[%d]=%s", kind, index, host)
}

func forwardJobProviderUpdates(ctx context.Context, h *jobprovider.Handler, ch <-chan jobprovider.Update, engine *merge.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			engine.HandleJobProviderUpdate(h, u)
		}
	}
}

func forwardPoolUpdates(ctx context.Context, h *pool.Handler, ch <-chan pool.Update, engine *merge.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			engine.HandlePoolUpdate(h, u)
		}
	}
}

func serveMetrics(ctx context.Context, bind string) error {
	srv := &http.Server{Addr: bind, Handler: metrics.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func addressToScript(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, sig.MainNetParams)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}

// loggingStratumSink is a placeholder downstream.Sink: the Stratum
// server that would actually distribute work to miners and feed
// solutions back is an external collaborator this repository does not
// implement. It exists so the wiring between the merge engine and
// that future server is exercised end to end.
type loggingStratumSink struct {
	logger *zap.Logger
}

func (s *loggingStratumSink) SubmitWork(info *types.WorkInfo) {
	s.logger.Info("work available for stratum distribution",
		zap.Uint64("template_id", info.Template.TemplateID),
		zap.Uint32("nbits", info.Template.HeaderNBits),
	)
}
