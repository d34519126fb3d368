// Command samplepool runs the reference pool server used to exercise
// internal/pool.Handler during development: it authenticates clients,
// issues a fixed share difficulty, and validates submitted shares.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockrelay/mining-proxy/internal/samplepool"
	"github.com/blockrelay/mining-proxy/internal/sig"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type config struct {
	ListenBind    string `long:"listen_bind" description:"host:port to accept pool connections on" required:"true"`
	AuthKey       string `long:"auth_key" description:"base58 compressed private key this pool signs PoolPayoutInfo with" required:"true"`
	PayoutAddress string `long:"payout_address" description:"operator payout address (base58 or bech32)" required:"true"`
	ServerID      string `long:"server_id" description:"optional ASCII namespace (<=36 bytes) appended to each client's coinbase postfix"`
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

	if len(cfg.ServerID) > 36 {
		logger.Error("server_id exceeds 36 bytes", zap.Int("len", len(cfg.ServerID)))
		os.Exit(1)
	}

	authKey, err := sig.ParseCompressedPrivKey(cfg.AuthKey)
	if err != nil {
		logger.Error("invalid auth_key", zap.Error(err))
		os.Exit(1)
	}

	payoutScript, err := addressToScript(cfg.PayoutAddress)
	if err != nil {
		logger.Error("invalid payout_address", zap.Error(err))
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.ListenBind)
	if err != nil {
		logger.Error("failed to bind listen_bind", zap.String("addr", cfg.ListenBind), zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := samplepool.New(authKey, payoutScript, []byte(cfg.ServerID), logger)

	logger.Info("sample pool started", zap.String("listen_bind", cfg.ListenBind), zap.String("server_id", cfg.ServerID))
	if err := srv.Serve(ctx, ln); err != nil {
		logger.Error("sample pool server stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func addressToScript(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, sig.MainNetParams)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}
