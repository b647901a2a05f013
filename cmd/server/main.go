package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/allocation/internal/adapter/handler"
	"github.com/rl1809/allocation/internal/adapter/handler/rpc"
	"github.com/rl1809/allocation/internal/adapter/storage"
	"github.com/rl1809/allocation/internal/config"
	"github.com/rl1809/allocation/internal/core/service"
	"github.com/rl1809/allocation/internal/port"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:  "allocation",
		Usage: "allocate order lines to stock batches",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP and gRPC servers",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "migrate", Usage: "apply schema migrations before serving"},
				},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply schema migrations and exit",
				Action: migrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("allocation failed")
	}
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func migrate(_ *cli.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	return storage.Migrate(cfg.MySQLDSN(), log)
}

func serve(c *cli.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	uow, closeStorage, err := openStorage(ctx, cfg, log, c.Bool("migrate"))
	if err != nil {
		return err
	}
	defer closeStorage()

	var opts []service.Option
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress, PoolSize: 100})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "failed to connect redis")
		}
		log.WithField("address", cfg.RedisAddress).Info("allocation cache enabled")
		opts = append(opts, service.WithAllocationCache(storage.NewRedisAdapter(rdb, cfg.CacheTTL)))
	}

	allocationService := service.NewAllocationService(uow, log, opts...)

	grpcServer := grpc.NewServer()
	rpc.RegisterAllocationServiceServer(grpcServer, handler.NewGRPCHandler(allocationService, log))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           handler.NewHTTPHandler(allocationService, log, cfg.RequestTimeout).Router(),
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return errors.Wrap(err, "failed to listen")
		}
		log.WithField("address", cfg.GRPCAddress).Info("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.WithField("address", cfg.HTTPAddress).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("servers stopped")
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, runMigrations bool) (port.UnitOfWorkFactory, func(), error) {
	if cfg.Storage == config.StorageMemory {
		log.Warn("using in-memory storage, state is lost on exit")
		return storage.NewMemoryAdapter(log), func() {}, nil
	}

	dsn := cfg.MySQLDSN()
	if runMigrations {
		if err := storage.Migrate(dsn, log); err != nil {
			return nil, nil, err
		}
	}

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open mysql")
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, errors.Wrap(err, "failed to ping mysql")
	}
	log.WithField("host", cfg.DBHost).Info("connected to mysql")

	return storage.NewMySQLAdapter(db, log), func() { _ = db.Close() }, nil
}
