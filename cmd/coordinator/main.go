// Coordinator process: accepts training jobs, schedules federated
// rounds across the worker pool, and serves the HTTP API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bcai-network/bcai-go/pkg/api"
	"github.com/bcai-network/bcai-go/pkg/compiler"
	"github.com/bcai-network/bcai-go/pkg/config"
	"github.com/bcai-network/bcai-go/pkg/ledger"
	"github.com/bcai-network/bcai-go/pkg/logging"
	"github.com/bcai-network/bcai-go/pkg/models"
	"github.com/bcai-network/bcai-go/pkg/registry"
	"github.com/bcai-network/bcai-go/pkg/sandbox"
	"github.com/bcai-network/bcai-go/pkg/service"
	"github.com/bcai-network/bcai-go/pkg/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	if cfg.Environment != "development" {
		logger.SetFormat("json")
	}

	log.Printf("Starting bcai coordinator in %s mode", cfg.Environment)

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize SQLite storage: %v", err)
	}
	defer db.Close()
	log.Printf("Initialized SQLite storage at: %s", cfg.DatabasePath)

	led := ledger.New()
	if cfg.FaucetAccount != "" && cfg.InitialMint > 0 {
		led.Mint(cfg.FaucetAccount, cfg.InitialMint)
		log.Printf("Minted %d tokens to %s", cfg.InitialMint, cfg.FaucetAccount)
	}

	reg := registry.New(time.Duration(cfg.HeartbeatTTL) * time.Second)

	var runner sandbox.Runner
	if cfg.LocalSandbox {
		runner = sandbox.NewVMRunner()
		log.Println("Using in-process sandbox")
	} else {
		redisRunner, err := sandbox.NewRedisRunner(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisRunner.Close()
		runner = redisRunner
		log.Printf("Dispatching tasks over Redis at %s", cfg.RedisAddr)
	}

	comp := compiler.New(compiler.Config{
		AllowedImports: cfg.AllowedImports,
		Ceiling: models.ResourceEnvelope{
			MilliCPU:         16000,
			MemoryBytes:      16 << 30,
			GPUMemoryBytes:   32 << 30,
			WallClockSeconds: 24 * 3600,
			GasBudget:        cfg.GasCeiling,
		},
	})

	svc := service.New(service.Deps{
		Compiler:   comp,
		Runner:     runner,
		Ledger:     led,
		Registry:   reg,
		Store:      db,
		Logger:     logger,
		MaxWorkers: cfg.MaxWorkers,
	})
	svc.Start()

	server := api.NewServer(api.Options{
		Service:      svc,
		Registry:     reg,
		Ledger:       led,
		Auth:         api.NewAuthManager(cfg.JWTSecret, 24*time.Hour),
		Logger:       logger,
		AllowOrigins: cfg.CORSAllowOrigins,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Coordinator API listening on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Error starting server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down coordinator...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		log.Printf("Service forced to shutdown: %v", err)
	}
	log.Println("Coordinator exited")
}
