package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SanPilot/elf-backend/auth"
	"github.com/SanPilot/elf-backend/config"
	"github.com/SanPilot/elf-backend/events"
	"github.com/SanPilot/elf-backend/gateway"
	"github.com/SanPilot/elf-backend/logging"
	"github.com/SanPilot/elf-backend/metrics"
	"github.com/SanPilot/elf-backend/storage"
	"github.com/SanPilot/elf-backend/transfer"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	fmt.Printf("Gateway Addr:    %s\n", cfg.ListenAddr)
	fmt.Printf("Transfer Addr:   %s\n", cfg.TransferListenAddr)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal("startup failed while opening database", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	privateKey, publicKey, err := auth.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		logger.Fatal("startup failed while preparing token keypair", zap.Error(err))
	}
	tokens, err := auth.NewService(auth.Options{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		Lifetime:   cfg.TokenLifetime(),
	})
	if err != nil {
		logger.Fatal("startup failed while building token service", zap.Error(err))
	}

	m := metrics.New()
	hub := events.NewHub(logger, tokens)

	manager, err := transfer.NewManager(transfer.Options{
		Logger:               logger,
		Metrics:              m,
		Store:                store,
		Identity:             tokens,
		Events:               hub,
		StorageDir:           config.FileStorageDir(dataDir),
		MaxMessageSize:       cfg.MaxMessageSize,
		MaxUploadSize:        cfg.MaxUploadSize,
		DownloadTTL:          cfg.DownloadTTL(),
		MaxUploadTime:        cfg.MaxUploadTime(),
		SweepInterval:        cfg.SweepInterval(),
		DeleteOnSizeMismatch: cfg.DeleteOnSizeMismatch,
	})
	if err != nil {
		logger.Fatal("startup failed while building transfer manager", zap.Error(err))
	}
	defer manager.Close()

	users := auth.NewUsersModule(tokens, store, logger)

	router, err := gateway.NewRouter(
		[]gateway.Module{manager.Module(), users.Module(), hub.Module()},
		cfg.Actions,
		cfg.SpecialConnections,
	)
	if err != nil {
		logger.Fatal("startup failed while validating route tables", zap.Error(err))
	}

	server, err := gateway.NewServer(gateway.ServerOptions{
		Router:                router,
		Logger:                logger,
		Metrics:               m,
		MaxMessageSize:        cfg.MaxMessageSize,
		MessagesPerSecond:     cfg.MessagesPerSecond,
		BlockTime:             cfg.BlockTime(),
		PingCountsTowardLimit: cfg.PingCountsTowardLimit,
	})
	if err != nil {
		logger.Fatal("startup failed while building gateway server", zap.Error(err))
	}

	byteStream := transfer.NewByteStreamServer(manager, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		return server.ListenAndServe(cfg.ListenAddr)
	})
	group.Go(func() error {
		logger.Info("byte-stream endpoint listening", zap.String("addr", cfg.TransferListenAddr))
		return byteStream.ListenAndServe(cfg.TransferListenAddr)
	})
	group.Go(func() error {
		manager.RunSweeper(groupCtx)
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsListenAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsListenAddr, Handler: m.Handler()}
		group.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsListenAddr))
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown error", zap.Error(err))
		}
		if err := byteStream.Shutdown(shutdownCtx); err != nil {
			logger.Warn("byte-stream shutdown error", zap.Error(err))
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown error", zap.Error(err))
			}
		}
		return nil
	})

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := group.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	fmt.Println("Status:          stopped")
}
