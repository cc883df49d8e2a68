package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/treadmill-sync/internal/api"
	"github.com/lowaak/treadmill-sync/internal/bt"
	"github.com/lowaak/treadmill-sync/internal/config"
	"github.com/lowaak/treadmill-sync/internal/events"
	"github.com/lowaak/treadmill-sync/internal/go_func_utils"
	"github.com/lowaak/treadmill-sync/internal/logging"
	"github.com/lowaak/treadmill-sync/internal/metrics"
	"github.com/lowaak/treadmill-sync/internal/protocol"
	"github.com/lowaak/treadmill-sync/internal/storage"
	"github.com/lowaak/treadmill-sync/internal/treadmill"
	"github.com/lowaak/treadmill-sync/internal/workout"
)

const shutdownTimeout = 10 * time.Second

// btStack is implemented by bt.BTManager and bt.MockBTManager
type btStack interface {
	treadmill.Connector
	Enable() error
	Shutdown()
}

func newBTStack(cfg *config.Config, logger *log.Logger) btStack {
	if !cfg.Bluetooth.Mock {
		return bt.NewBTManager(bluetooth.DefaultAdapter, logger)
	}
	logger.Println("Main: Using the simulated treadmill")
	return bt.NewMockBTManager(logger, bt.MockBTManagerConfig{
		LocalName:   "Mock " + cfg.Bluetooth.DeviceNameFilter,
		ControlAddr: cfg.Bluetooth.MockControlAddr,
	})
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "treadmill-sync: %v\n", err)
		os.Exit(2)
	}

	logger, logCloser := logging.Setup(logging.LoggerSetupParams{
		LogFileName: cfg.Logging.File,
		LogToStdout: cfg.Logging.Stdout,
		Verbose:     cfg.Logging.Verbose,
	})
	if cfg.FileUsed != "" {
		logger.Printf("Config: loaded %s", cfg.FileUsed)
	} else {
		logger.Println("Config: no config file found, using defaults and environment")
	}

	if err := run(cfg, logger); err != nil {
		logger.Printf("treadmill-sync: %v", err)
		logCloser.Close()
		os.Exit(1)
	}
	logCloser.Close()
}

func run(cfg *config.Config, logger *log.Logger) (err error) {
	store, err := storage.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	recorder := metrics.NewRecorder()
	workoutEvents := events.NewChannelEvent[workout.Event](false)
	recorder.WatchDropped("workout_events", workoutEvents.Dropped)

	engine := workout.NewEngine(store, workoutEvents, recorder, logger, workout.Config{
		InactivityThreshold: cfg.Workout.EndTimeoutSecs,
		MinSamples:          cfg.Workout.MinSamples,
		MinDuration:         cfg.Workout.MinDuration(),
		CounterLimits:       protocol.DefaultCounterLimits,
		Verbose:             cfg.Logging.Verbose,
	})
	if err := engine.RecoverOrphans(context.Background()); err != nil {
		return fmt.Errorf("failed to recover orphaned workouts: %w", err)
	}

	btManager := newBTStack(cfg, logger)
	if err := btManager.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE stack: %w", err)
	}
	defer btManager.Shutdown()

	driver := treadmill.NewDriver(btManager, engine, protocol.DefaultRegistry(), recorder, logger, treadmill.Config{
		DeviceNameFilter:    cfg.Bluetooth.DeviceNameFilter,
		ScanTimeout:         cfg.Bluetooth.ScanTimeout(),
		ReconnectDelay:      cfg.Bluetooth.ReconnectDelay(),
		NotificationTimeout: cfg.Bluetooth.NotificationTimeout(),
		Verbose:             cfg.Logging.Verbose,
	})
	unregisterStatus := driver.ListenToStatus(recorder.SetConnectionState)
	defer unregisterStatus()

	hub := api.NewHub(workoutEvents, driver, 0, logger)
	handler := api.NewHandler(store, engine, driver, recorder.Handler(), hub, logger)
	server := api.NewServer(cfg.Server.Addr(), handler.Router(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		runErr error
	)
	collect := func(e error) {
		errMu.Lock()
		runErr = multierr.Append(runErr, e)
		errMu.Unlock()
	}

	wg.Add(2)
	go_func_utils.SafeGo(logger, "treadmill driver", func() {
		defer wg.Done()
		if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			collect(fmt.Errorf("driver: %w", err))
		}
		logger.Println("Main: Driver stopped")
	})
	go_func_utils.SafeGo(logger, "HTTP server", func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			collect(fmt.Errorf("server: %w", err))
			// the process is useless without its API
			stop()
		}
	})

	logger.Printf("Main: Service started, looking for %q", cfg.Bluetooth.DeviceNameFilter)
	<-ctx.Done()
	logger.Println("Main: Shutting down")

	hub.Close()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	outcome := engine.Shutdown(shutdownCtx)
	logger.Printf("Main: Active workout on shutdown: %s", outcome)

	return runErr
}
