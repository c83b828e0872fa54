package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/dispatch"
	"github.com/GoCodeAlone/conductor/internal/metrics"
	"github.com/GoCodeAlone/conductor/internal/version"
	"github.com/GoCodeAlone/conductor/server"
	"github.com/GoCodeAlone/conductor/task"
)

var shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout,
		"how long to wait for in-flight tasks before failing them")
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting conductord",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("ledger", cfg.Ledger.Driver),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = d.ledger.Close()
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	return d.run(ctx, ln)
}

// daemon holds the wired components of a running conductord.
type daemon struct {
	cfg        *config.Config
	logger     *zap.Logger
	ledger     task.Ledger
	bus        *comms.InMemoryBus
	metrics    *metrics.Collector
	dispatcher *dispatch.Dispatcher
	server     *server.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*daemon, error) {
	ledger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}

	bus := comms.NewInMemoryBus(cfg.Server.EventHistory)
	collector := metrics.NewCollector("conductor", logger)
	disp := dispatch.New(
		dispatch.WithLedger(ledger),
		dispatch.WithBus(bus),
		dispatch.WithMetrics(collector),
		dispatch.WithLogger(logger),
		dispatch.WithRetryPolicy(dispatch.RetryPolicy{
			MaxRetries:    cfg.Dispatch.MaxRetries,
			DistinctAgent: cfg.Dispatch.DistinctAgentRetry,
		}),
		dispatch.WithTaskTimeout(cfg.Dispatch.TaskTimeout),
	)

	for _, ac := range cfg.Agents {
		spec, err := ac.Spec()
		if err != nil {
			_ = ledger.Close()
			return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		if _, err := disp.RegisterAgent(spec); err != nil {
			_ = ledger.Close()
			return nil, fmt.Errorf("register agent %s: %w", ac.ID, err)
		}
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetDispatcher(disp)
	srv.SetBus(bus)
	srv.SetMetrics(collector)

	return &daemon{
		cfg:        cfg,
		logger:     logger,
		ledger:     ledger,
		bus:        bus,
		metrics:    collector,
		dispatcher: disp,
		server:     srv,
	}, nil
}

// run starts dispatching and serves ln until ctx is cancelled, then shuts
// everything down in dependency order.
func (d *daemon) run(ctx context.Context, ln net.Listener) error {
	if err := d.dispatcher.Start(ctx); err != nil {
		_ = ln.Close()
		_ = d.ledger.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})
	return g.Wait()
}

func (d *daemon) shutdown() error {
	d.logger.Info("shutting down", zap.Duration("timeout", shutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// the API stays up while draining so remote agents can still report
	var errs []error
	if err := d.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if d.cfg.StateFile != "" {
		if err := d.dispatcher.ExportFile(d.cfg.StateFile); err != nil {
			errs = append(errs, err)
		} else {
			d.logger.Info("state exported", zap.String("path", d.cfg.StateFile))
		}
	}
	if err := d.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	d.logger.Info("shutdown complete")
	return nil
}

// openLedger selects the completion ledger backend named by cfg.Driver.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (task.Ledger, error) {
	switch cfg.Driver {
	case config.LedgerMemory, "":
		return task.NewMemoryLedger(), nil
	case config.LedgerSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create ledger dir: %w", err)
			}
		}
		l, err := task.NewSQLiteLedger(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return l, nil
	case config.LedgerRedis:
		l, err := task.NewRedisLedger(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis ledger: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// newLogger builds a zap logger; format is "console" or "json".
func newLogger(level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		format = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
