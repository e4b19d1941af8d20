package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/enclaved-org/enclaved/blobstore"
	"github.com/enclaved-org/enclaved/common"
	"github.com/enclaved-org/enclaved/config"
	"github.com/enclaved-org/enclaved/cryptoutils"
	"github.com/enclaved-org/enclaved/enclave"
	"github.com/enclaved-org/enclaved/httpserver"
	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/payments"
	"github.com/enclaved-org/enclaved/relay"
	"github.com/enclaved-org/enclaved/runtime"
	"github.com/enclaved-org/enclaved/signer"
	"github.com/enclaved-org/enclaved/store"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Value: "/etc/enclaved/config.toml",
		Usage: "path to the TOML config file",
	},
	&cli.StringFlag{
		Name:  "seed",
		Value: "",
		Usage: "hex-encoded 32-byte seed for the service identity; defaults to <data-dir>/seed",
	},
	&cli.StringFlag{
		Name:  "attestation",
		Value: "dcap",
		Usage: "attestation provider: 'dcap', 'dummy', or a remote provider URL",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:   "enclaved",
		Usage:  "Run the enclaved application host",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: common.PackageName,
		Version: common.Version,
	})

	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		logger.Error("Failed to load config", "err", err)
		return err
	}
	if err := os.MkdirAll(cfg.Service.DataDir, 0700); err != nil {
		logger.Error("Failed to create data dir", "err", err)
		return err
	}

	sgn, err := loadServiceSigner(cCtx.String("seed"), cfg.Service.DataDir)
	if err != nil {
		logger.Error("Failed to load service identity", "err", err)
		return err
	}
	logger.Info("Service identity loaded", "pubkey", sgn.Pubkey())

	attestation, err := attestationProvider(cCtx.String("attestation"), cfg.Service.Prod)
	if err != nil {
		logger.Error("Failed to set up attestation", "err", err)
		return err
	}
	env := interfaces.EnvDebug
	if info, err := attestation.Attest(nil); err == nil {
		env = info.Env
	} else {
		logger.Warn("Attestation probe failed, assuming debug", "err", err)
	}
	logger.Info("Runtime environment classified", "env", env)

	recordStore, err := store.New(filepath.Join(cfg.Service.DataDir, "containers.db"))
	if err != nil {
		logger.Error("Failed to open record store", "err", err)
		return err
	}
	defer recordStore.Close()

	dockerRuntime, err := runtime.NewDockerRuntime(runtime.Config{
		Network: cfg.Docker.Network,
		Env:     env,
	}, logger)
	if err != nil {
		logger.Error("Failed to connect to container engine", "err", err)
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := dockerRuntime.WaitReady(ctx); err != nil {
		logger.Error("Container engine not ready", "err", err)
		return err
	}

	pool := relay.NewPool(logger)
	defer pool.Close()

	var archive interfaces.ArchiveStore
	if cfg.Archive.Location != "" {
		archive, err = blobstore.NewFactory(logger).BackendFor(interfaces.ArchiveLocation(cfg.Archive.Location))
		if err != nil {
			logger.Error("Failed to set up archive", "err", err)
			return err
		}
		logger.Info("Envelope archive enabled", "backend", archive.Name())
	}

	// The notification hook needs the orchestrator, which needs the
	// factory; bind through a late pointer.
	var orch *enclave.Orchestrator
	walletRelay := pool.Get(cfg.Service.WalletRelay)
	wallets := payments.NewFactory(walletRelay, logger, func(pubkey interfaces.Pubkey) {
		if orch != nil {
			orch.NotifyPayment(pubkey)
		}
	})
	defer wallets.Close()

	orch, err = enclave.NewOrchestrator(enclave.Options{
		Log:         logger,
		Config:      cfg,
		Signer:      sgn,
		Store:       recordStore,
		Runtime:     dockerRuntime,
		Inspector:   runtime.NewRegistryInspector(),
		Wallets:     wallets,
		Attestation: attestation,
		Transport:   pool,
		Archive:     archive,
	})
	if err != nil {
		logger.Error("Failed to create orchestrator", "err", err)
		return err
	}

	if err := orch.Start(ctx); err != nil {
		logger.Error("Startup reconciliation failed", "err", err)
		return err
	}

	rpcServer := enclave.NewRPCServer(orch, pool)
	rpcServer.Start(ctx)
	defer rpcServer.Stop()

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.Service.ListenAddr,
		MetricsAddr:              cfg.Service.MetricsAddr,
		Log:                      logger,
		EnablePprof:              cCtx.Bool("pprof"),
		DrainDuration:            time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, httpserver.NewHandler(orch, logger))
	if err != nil {
		logger.Error("Failed to create control server", "err", err)
		return err
	}
	srv.RunInBackground()

	logger.Info("Host is running, press Ctrl+C to stop")
	orch.Run(ctx)

	logger.Info("Shutdown signal received")
	srv.Shutdown()
	logger.Info("Shutdown complete")
	return nil
}

// loadServiceSigner derives the service identity from the seed flag or
// from a seed file in the data dir, creating one on first run.
func loadServiceSigner(seedHex, dataDir string) (*signer.PrivateKeySigner, error) {
	if seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != 32 {
			return nil, fmt.Errorf("invalid seed: must be 64 hex chars (32 bytes)")
		}
		return signer.Derive(seed, "enclaved service identity")
	}

	seedPath := filepath.Join(dataDir, "seed")
	seed, err := os.ReadFile(seedPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading seed file: %w", err)
		}
		sgn, err := signer.Generate()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(seedPath, sgn.Seckey(), 0600); err != nil {
			return nil, fmt.Errorf("persisting seed file: %w", err)
		}
		return sgn, nil
	}
	return signer.FromSeckey(seed)
}

func attestationProvider(kind string, prod bool) (interfaces.AttestationProvider, error) {
	switch {
	case kind == "dcap":
		return &cryptoutils.DCAPAttestationProvider{Prod: prod}, nil
	case kind == "dummy":
		return cryptoutils.DummyAttestationProvider{}, nil
	case strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://"):
		return &cryptoutils.RemoteAttestationProvider{Address: kind, Prod: prod}, nil
	}
	return nil, fmt.Errorf("unknown attestation provider %q", kind)
}
