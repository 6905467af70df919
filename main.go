package main

import (
	"context"
	"crypto/sha256"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sasta-kro/corvus-ctf/anticheat"
	"github.com/sasta-kro/corvus-ctf/api"
	"github.com/sasta-kro/corvus-ctf/audit"
	"github.com/sasta-kro/corvus-ctf/cache"
	"github.com/sasta-kro/corvus-ctf/config"
	"github.com/sasta-kro/corvus-ctf/db"
	"github.com/sasta-kro/corvus-ctf/docker"
	"github.com/sasta-kro/corvus-ctf/engine"
	"github.com/sasta-kro/corvus-ctf/flag"
	"github.com/sasta-kro/corvus-ctf/hostplatform"
	"github.com/sasta-kro/corvus-ctf/notification"
	"github.com/sasta-kro/corvus-ctf/ports"
	"github.com/sasta-kro/corvus-ctf/schedule"
)

func main() {
	appConfig := config.LoadAppConfig() // loads the config and stores pointer
	logger := appConfig.NewLogger()     // returns a slog logger based on LogFormat (text or json)

	logger.Info("corvus ctf engine starting",
		"port", appConfig.Port,
		"db_path", appConfig.DBPath,
		"log_format", appConfig.LogFormat,
	)

	// opening the database and running schema migration (init tables).
	// if this fails, the application cannot serve requests, so exit immediately.
	database, err := db.OpenDatabase(appConfig.DBPath, logger)
	if err != nil {
		// log.Fatalf is used instead of logger.Error+os.Exit here because it
		// writes synchronously to stderr before exiting, guaranteeing the
		// crash reason is printed even if the structured logger buffers.
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.CloseDatabase()

	// configStore layers operator-tunable defaults (timeouts, renewal caps,
	// resource limits, rate limits) on top of the container_config table,
	// refreshing its in-memory snapshot every few seconds.
	configStore := config.NewStore(database)

	cacheClient, err := cache.NewClient(appConfig.RedisAddr, logger)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer cacheClient.Close()

	dockerClient, err := docker.NewClient(appConfig.DockerEndpoint, logger)
	if err != nil {
		log.Fatalf("failed to connect to docker daemon: %v", err)
	}
	defer dockerClient.Close()

	// FlagKeySecret is an operator-supplied passphrase of arbitrary length;
	// SHA-256 stretches it down to the 32 bytes AES-256-GCM requires.
	flagKey := sha256.Sum256([]byte(appConfig.FlagKeySecret))
	flagService, err := flag.NewService(flagKey)
	if err != nil {
		log.Fatalf("failed to construct flag service: %v", err)
	}

	portAllocator := ports.NewAllocator(appConfig.PortRangeStart, appConfig.PortRangeEnd, cacheClient)
	auditLog := audit.NewLog(database, logger)

	// No external identity provider is wired up yet (see DESIGN.md); the
	// in-memory stub treats every bearer token as its own account ID, which
	// is enough to exercise the full instance lifecycle end to end.
	accounts := hostplatform.NewInMemoryAccounts()
	notifier := notification.NoOp{}

	gameEngine := engine.NewEngine(engine.Config{
		Database:       database,
		DockerClient:   dockerClient,
		FlagService:    flagService,
		PortAllocator:  portAllocator,
		CacheClient:    cacheClient,
		ConfigStore:    configStore,
		AuditLog:       auditLog,
		Logger:         logger,
		TraefikNetwork: appConfig.TraefikNetwork,
	})

	validator := anticheat.NewValidator(anticheat.Config{
		Database: database,
		Hasher:   flagService,
		Audit:    auditLog,
		Bans:     accounts,
		Notifier: notifier,
		Config:   configStore,
		Logger:   logger,
	})

	// The scheduler owns two background goroutines: one reacting to Redis
	// keyspace-expiration events for near-instant teardown, one sweeping
	// the database on a ticker as a backstop for anything Redis missed.
	scheduler := schedule.NewScheduler(schedule.Config{
		Logger:   logger,
		Teardown: gameEngine.Teardown,
		Source:   cacheClient,
		SweepInterval: func() time.Duration {
			return configStore.SweepInterval()
		},
		Sweep: func(ctx context.Context, limit int) ([]string, error) {
			expired, err := database.ListExpiredInstances(limit)
			if err != nil {
				return nil, err
			}
			uuids := make([]string, len(expired))
			for i, instance := range expired {
				uuids[i] = instance.UUID
			}
			return uuids, nil
		},
		KeyToInstanceUUID: engine.InstanceUUIDFromExpiryKey,
	})

	schedulerContext, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	go scheduler.Run(schedulerContext)

	router := api.CreateAndSetupRouter(api.RouterDependencies{
		Logger:        logger,
		Database:      database,
		Engine:        gameEngine,
		Validator:     validator,
		Docker:        dockerClient,
		Config:        configStore,
		Accounts:      accounts,
		AllowedOrigin: appConfig.AllowedOrigin,
		AdminKey:      appConfig.AdminKey,
	})

	// Explicit HTTP Server Instantiation: http.ListenAndServe's zero-value
	// server has infinite timeouts, so the struct is built by hand with
	// finite read/write/idle deadlines instead.
	server := &http.Server{
		Addr:         ":" + appConfig.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// the server runs in a goroutine so the main goroutine can block on the
	// signal channel; a buffered error channel carries a fatal listen
	// failure back without the two goroutines sharing memory directly.
	shutdownChannel := make(chan error, 1)

	go func() {
		logger.Info("http server listening", "addr", server.Addr)

		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			shutdownChannel <- err
		}
		close(shutdownChannel)
	}()

	// block until an OS interrupt or termination signal is received
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("startup complete, server ready to serve", "port", appConfig.Port)

	select {
	case sig := <-signalChannel:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-shutdownChannel:
		if err != nil {
			log.Fatalf("http server failed: %v", err)
		}
	}

	// stop accepting new keyspace events/sweeps before the HTTP server
	// stops serving, so a renew/stop request doesn't race a teardown that
	// assumes it's the only writer to an instance row.
	cancelScheduler()

	// a context with a strict 10-second timeout gives in-flight requests a
	// grace period to finish before the process forces an exit.
	shutdownContext, cancelShutdownContext := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdownContext()

	err = server.Shutdown(shutdownContext)
	if err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server shut down cleanly")
	}
}
