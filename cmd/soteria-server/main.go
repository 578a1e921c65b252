package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/BrandonDHaskell/Soteria/server/internal/config"
	"github.com/BrandonDHaskell/Soteria/server/internal/db"
	"github.com/BrandonDHaskell/Soteria/server/internal/grpcapi"
	"github.com/BrandonDHaskell/Soteria/server/internal/httpapi"
	"github.com/BrandonDHaskell/Soteria/server/internal/ledger"
	"github.com/BrandonDHaskell/Soteria/server/internal/ledger/algorand"
	"github.com/BrandonDHaskell/Soteria/server/internal/ledger/memory"
	"github.com/BrandonDHaskell/Soteria/server/internal/lock"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/service"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/store/sqlite"
)

// ledgerClient is what the server needs from a ledger backend.
type ledgerClient interface {
	ledger.Lookup
	ledger.AuditLog
	ledger.ContractVerifier
}

func main() {
	logger := log.New(os.Stdout, "soteria-server ", log.LstdFlags|log.LUTC)
	if err := run(logger); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger
	lc, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}

	// Local event mirror
	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env, Logger: logger})
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()
	writer := db.NewWorker(conn)
	defer writer.Close()
	events := sqlite.NewAccessEventStore(conn, writer)

	pruner := service.NewEventPruner(events, service.PrunerConfig{
		RetentionDays: cfg.EventRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger)
	pruner.Start(ctx)
	defer pruner.Stop()

	// Lock
	actuator := lock.NewSimulated(cfg.GPIOPin, logger)
	if err := actuator.Engage(); err != nil {
		return fmt.Errorf("initial engage: %w", err)
	}

	var lease lock.Lease
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		lease = lock.NewRedisLease(rdb, cfg.DoorID, cfg.LeaseTTL)
		logger.Printf("grant lease via redis addr=%s door=%s", cfg.RedisAddr, cfg.DoorID)
	}

	// Services
	pipeline := service.NewPipeline(service.PipelineConfig{
		Mode:             service.ParseMode(cfg.Mode),
		AppID:            cfg.AppID,
		RequireRecipient: cfg.RequireRecipient,
		TimeTolerance:    cfg.TimeTolerance,
		LedgerTimeout:    cfg.LedgerTimeout,
		RevocationLimit:  cfg.RevocationLimit,
		RevocationPolicy: service.ParseRevocationFailPolicy(cfg.RevocationFailPolicy),
	}, lc, lc, logger)

	audit := service.NewAuditLogger(lc, service.AuditConfig{
		AppID:           cfg.AppID,
		ConfirmAttempts: cfg.ConfirmAttempts,
		SubmitTimeout:   cfg.LedgerTimeout,
	}, logger)

	actuation := service.NewActuationController(actuator, audit, service.ActuationConfig{
		GrantDuration: cfg.GrantDuration,
		Policy:        service.ParseSessionPolicy(cfg.SessionPolicy),
		Lease:         lease,
	}, logger)

	accessSvc := service.NewAccessService(pipeline, actuation, events,
		service.AccessOptions{LogDenials: cfg.LogDenials}, logger)

	// HTTP
	httpSrv := httpapi.NewServer(httpapi.Dependencies{
		Logger:        logger,
		Addr:          cfg.HTTPAddr,
		AccessService: accessSvc,
		RateLimit:     rate.Limit(cfg.RateLimitRPS),
		RateBurst:     cfg.RateBurst,
	})

	go func() {
		logger.Printf("http listening on %s mode=%s ledger=%s revocation=%s session=%s",
			cfg.HTTPAddr, pipeline.Mode(), cfg.Ledger, pipeline.RevocationPolicy(), actuation.Policy())
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server error: %v", err)
			stop()
		}
	}()

	// gRPC
	var grpcSrv *grpcapi.Server
	if cfg.GRPCAddr != "" {
		grpcSrv = grpcapi.NewServer(grpcapi.Dependencies{
			Logger:        logger,
			Addr:          cfg.GRPCAddr,
			AccessService: accessSvc,
		})
		go func() {
			logger.Printf("grpc listening on %s", cfg.GRPCAddr)
			if err := grpcSrv.Start(); err != nil {
				logger.Printf("grpc server error: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Ends any grant hold, turns away queued grants and leaves the door
	// engaged before the listeners stop.
	if err := actuation.Close(shutdownCtx); err != nil {
		logger.Printf("actuation close: %v", err)
	}
	if grpcSrv != nil {
		_ = grpcSrv.Shutdown(shutdownCtx)
	}
	_ = httpSrv.Shutdown(shutdownCtx)
	return nil
}

func openLedger(cfg config.Config, logger *log.Logger) (ledgerClient, error) {
	if cfg.Ledger == config.LedgerAlgorand {
		// Non-numeric app ids still work in notes mode; only contract calls need the number.
		appID, _ := strconv.ParseUint(cfg.AppID, 10, 64)
		c, err := algorand.New(algorand.Config{
			AlgodAddress:   cfg.AlgodAddress,
			AlgodToken:     cfg.AlgodToken,
			IndexerAddress: cfg.IndexerAddress,
			IndexerToken:   cfg.IndexerToken,
			LockMnemonic:   cfg.LockMnemonic,
			AppID:          appID,
		})
		if err != nil {
			return nil, fmt.Errorf("algorand: %w", err)
		}
		logger.Printf("algorand ledger algod=%s indexer=%s lock=%s", cfg.AlgodAddress, cfg.IndexerAddress, c.Sender())
		return c, nil
	}

	l := memory.New(memory.DevLock)
	logger.Printf("in-memory ledger: verification results are not backed by a real chain")
	if cfg.Env == "dev" {
		key, err := l.SeedDev(cfg.AppID, time.Now())
		if err != nil {
			return nil, err
		}
		logger.Printf("dev key %s payload: %s", key.ID, key.Payload)
	}
	return l, nil
}
