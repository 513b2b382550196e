package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Avicted/chatsync/internal/auth"
	"github.com/Avicted/chatsync/internal/config"
	"github.com/Avicted/chatsync/internal/fanout"
	"github.com/Avicted/chatsync/internal/group"
	"github.com/Avicted/chatsync/internal/httpapi"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/metrics"
	"github.com/Avicted/chatsync/internal/pull"
	"github.com/Avicted/chatsync/internal/securelog"
	"github.com/Avicted/chatsync/internal/storage"
	"github.com/Avicted/chatsync/internal/user"
	"github.com/Avicted/chatsync/internal/ws"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		securelog.Error("server.run", err)
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	if err := securelog.Setup(securelog.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty}); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, store)
}

func openStore(cfg config.Config) (storage.Store, error) {
	if cfg.UseMemoryStore() {
		securelog.Warn("memory_store", securelog.Fields{"reason": "no database url configured"})
		return storage.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return storage.NewPostgresStore(ctx, cfg.DBURL)
}

// serve migrates store, wires the services and runs the HTTP server until
// ctx is cancelled. The store is closed before serve returns.
func serve(ctx context.Context, cfg config.Config, store storage.Store) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	m := metrics.New()
	registry := fanout.NewRegistry(fanout.WithSelfEcho(cfg.SelfEcho), fanout.WithMetrics(m))

	userService := user.NewService(store.Users())
	groupService := group.NewService(store.Groups())
	messageService := message.NewService(store.Messages(), groupService, registry)
	messageService.SetBatchLimits(cfg.DefaultBatch, cfg.MaxBatch)
	authService := auth.NewService(userService)
	protocol := pull.New(messageService,
		pull.WithInterval(cfg.PollInterval),
		pull.WithTimeout(cfg.PollTimeout),
		pull.WithWaker(registry),
		pull.WithMetrics(m),
	)
	hub := ws.NewHub(registry, messageService)
	api := httpapi.NewHandler(userService, authService, messageService, groupService, protocol,
		httpapi.Limits{SendRPS: cfg.SendRPS, SendBurst: cfg.SendBurst})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/ws", ws.WithAuthValidator(http.HandlerFunc(hub.HandleWS), authService))
	api.Register(mux)

	g, gctx := errgroup.WithContext(ctx)
	// Request contexts end with the server so parked long polls return
	// during shutdown. WriteTimeout covers the longest long poll.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		BaseContext:       func(net.Listener) context.Context { return gctx },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.PollTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		if cfg.TLSEnabled() {
			securelog.Info("listening", securelog.Fields{"addr": cfg.ListenAddr, "tls": true})
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			securelog.Info("listening", securelog.Fields{"addr": cfg.ListenAddr, "tls": false})
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	securelog.Info("shutdown", nil)
	return err
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
