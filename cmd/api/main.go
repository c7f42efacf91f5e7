package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"fieldwork.org/internal/httpapi"
	"fieldwork.org/internal/obs"
	"fieldwork.org/internal/tokens"
	"fieldwork.org/internal/users"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	accessSecret := os.Getenv("FIELDWORK_ACCESS_SECRET")
	refreshSecret := os.Getenv("FIELDWORK_REFRESH_SECRET")
	if accessSecret == "" || refreshSecret == "" {
		log.Fatal("FIELDWORK_ACCESS_SECRET and FIELDWORK_REFRESH_SECRET must be set")
	}

	signer, err := tokens.NewSigner(accessSecret, refreshSecret)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	// Token state lives in Redis. Without an address we fall back to the
	// in-process store, which is only suitable for local development.
	var store tokens.Store
	if addr := os.Getenv("FIELDWORK_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("FIELDWORK_REDIS_PASSWORD"),
		})
		store = tokens.NewRedisStore(client)
	} else {
		log.Println("FIELDWORK_REDIS_ADDR not set, using in-memory token store")
		store = tokens.NewMemoryStore()
	}

	tokenSvc, err := tokens.NewService(store, signer)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	// User directory, if a database is configured. /readyz pings it too.
	var db *sql.DB
	var userSvc *users.Service
	if dsn := os.Getenv("FIELDWORK_PG_DSN"); dsn != "" {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		userSvc = users.NewService(users.NewPGStore(db))
	}

	probe := httpapi.ReadyProbe{DB: db}
	if pinger, ok := store.(interface{ Ping(ctx context.Context) error }); ok {
		probe.Store = pinger
	}

	api := httpapi.New(probe, version, tokenSvc, userSvc)

	addr := os.Getenv("FIELDWORK_ADDR")
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

	// Background sweep of expired session families.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweeper := tokens.NewSweeper(store)
	go sweeper.Run(sweepCtx)

	log.Printf("Starting fieldwork-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
