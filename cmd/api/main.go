package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"sarraf.org/internal/activity"
	"sarraf.org/internal/auth"
	"sarraf.org/internal/config"
	"sarraf.org/internal/guard"
	"sarraf.org/internal/httpapi"
	"sarraf.org/internal/ledger"
	"sarraf.org/internal/migrate"
	"sarraf.org/internal/obs"
	"sarraf.org/internal/report"
	"sarraf.org/internal/store/pg"
	"sarraf.org/internal/stream"
	"sarraf.org/internal/trading"
	"sarraf.org/internal/transaction"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("sarraf-api stopped", zap.Error(err))
	}
	log.Info("stopped")
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return err
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store ledger.Store
		probe httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Migrate {
			mctx, cancel := context.WithTimeout(ctx, time.Minute)
			err := migrate.NewManager(db.DB(), migrate.Schema()).Up(mctx)
			cancel()
			if err != nil {
				return err
			}
			log.Info("migrations applied")
		}
		store = db
		probe = httpapi.ReadyProbe{DB: db.DB()}
	} else {
		log.Warn("SARRAF_PG_DSN is empty, using the in-memory store")
		store = ledger.NewInMemory()
	}

	tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
	if err != nil {
		return err
	}

	g := guard.New(store, cfg.Guard.Options())
	events := stream.New()
	api := httpapi.New(httpapi.Deps{
		Ready:        probe,
		Tokens:       tokens,
		Activities:   activity.New(g, events),
		Transactions: transaction.New(g, events),
		Trades:       trading.New(g, events),
		Reports:      report.New(store),
		Stream:       events,
		Version:      version,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	grpcServer := grpc.NewServer()
	httpapi.NewHealthServer(probe).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
