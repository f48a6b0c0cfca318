package main

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/params"
	"github.com/uhyunpark/wagerbook/pkg/api"
	"github.com/uhyunpark/wagerbook/pkg/app/core/wallet"
	"github.com/uhyunpark/wagerbook/pkg/app/wager"
	"github.com/uhyunpark/wagerbook/pkg/crypto"
	"github.com/uhyunpark/wagerbook/pkg/events"
	"github.com/uhyunpark/wagerbook/pkg/storage"
	"github.com/uhyunpark/wagerbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("node_failed", zap.Error(err))
	}
}

func run(cfg params.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return err
	}

	// ---- Authority ----
	authority, err := resolveAuthority(cfg.Node.AdminAddress, logger)
	if err != nil {
		return err
	}

	// ---- Storage ----
	funds, err := wallet.NewManager(filepath.Join(cfg.Node.DataDir, "wallet"), logger.Named("wallet"))
	if err != nil {
		return err
	}
	defer funds.Close()

	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
	if err != nil {
		return err
	}
	defer store.Close()

	// ---- Event sink (optional) ----
	publisher, err := events.NewPublisher(cfg.Events.Driver, cfg.Events.Brokers, cfg.Events.Topic)
	if err != nil {
		return err
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(cfg.Node.ChainID)

	// ---- App ----
	app, err := wager.New(wager.Options{
		Authority: authority,
		Params:    cfg.Wager,
		Funds:     funds,
		Store:     store,
		Outbox:    publisher != nil,
		Domain:    domain,
		Logger:    logger.Named("wager"),
	})
	if err != nil {
		return err
	}

	if publisher != nil {
		bc := events.NewBroadcaster(store, publisher, cfg.Events.FlushInterval, logger.Named("outbox"))
		bc.OnSent(func(n int) { app.Metrics().EventsPublished.Add(float64(n)) })
		bc.Start(ctx)
		defer bc.Close()
		logger.Info("event_sink_enabled",
			zap.String("driver", cfg.Events.Driver),
			zap.Strings("brokers", cfg.Events.Brokers),
			zap.String("topic", cfg.Events.Topic))
	}

	stats := app.Stats()
	logger.Info("node_starting",
		zap.String("authority", authority.Hex()),
		zap.Int64("chain_id", cfg.Node.ChainID),
		zap.Int("resting_orders", stats.RestingOrders),
		zap.Uint64("sequence", stats.Sequence),
		zap.Bool("paused", stats.Paused),
		zap.Bool("faucet", cfg.Node.Faucet))

	// ---- API Server ----
	server := api.NewServer(app, funds, api.Config{
		CORSOrigins: cfg.Node.CORSOrigins,
		Faucet:      cfg.Node.Faucet,
		ChainID:     cfg.Node.ChainID,
	}, logger.Named("api"))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Node.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("node_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// resolveAuthority parses the configured admin address. Without one the node
// generates a throwaway key and logs it, which only makes sense on a devnet.
func resolveAuthority(raw string, logger *zap.Logger) (common.Address, error) {
	if raw != "" {
		addr, ok := crypto.ParseAddress(raw)
		if !ok {
			return common.Address{}, errors.New("ADMIN_ADDRESS is not a valid address")
		}
		return addr, nil
	}
	signer, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, err
	}
	logger.Warn("ephemeral_admin_key",
		zap.String("address", signer.Address().Hex()),
		zap.String("private_key", signer.PrivateKeyHex()))
	return signer.Address(), nil
}
