package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gatehouse.org/internal/grpcapi"
	"gatehouse.org/internal/httpapi"
	"gatehouse.org/internal/identity"
	"gatehouse.org/internal/obs"
	"gatehouse.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()

	var (
		store identity.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("GATEHOUSE_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		// Without a DSN the service runs against the in-memory store;
		// useful for local development, not for production.
		store = identity.NewInMemory()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.EnsureRoles(ctx, identity.BuiltinRoles); err != nil {
		cancel()
		log.Fatalf("seed builtin roles: %v", err)
	}
	cancel()

	opts := managerOptionsFromEnv()
	manager, err := identity.NewManager(store, opts...)
	if err != nil {
		log.Fatalf("configure manager: %v", err)
	}

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(probe, version, manager, store)

	addr := os.Getenv("GATEHOUSE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpcapi.Server
	if grpcAddr := os.Getenv("GATEHOUSE_GRPC_ADDR"); grpcAddr != "" {
		grpcSrv = grpcapi.New(probe)
		go func() {
			log.Printf("gRPC health on %s", grpcAddr)
			if err := grpcSrv.Serve(grpcAddr); err != nil {
				log.Fatalf("grpc listen: %v", err)
			}
		}()
	}

	log.Printf("Starting gatehouse-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func managerOptionsFromEnv() []identity.ManagerOption {
	var opts []identity.ManagerOption
	if raw := os.Getenv("GATEHOUSE_DELETE_POLICY"); raw != "" {
		policy, err := identity.ParseDeletePolicy(raw)
		if err != nil {
			log.Fatalf("GATEHOUSE_DELETE_POLICY: %v", err)
		}
		opts = append(opts, identity.WithDeletePolicy(policy))
	}
	if raw := os.Getenv("GATEHOUSE_OPEN_ROLE_REGISTRY"); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			log.Fatalf("GATEHOUSE_OPEN_ROLE_REGISTRY: %v", err)
		}
		if open {
			opts = append(opts, identity.WithOpenRoleRegistry())
		}
	}
	return opts
}
