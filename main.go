package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memorychat/internal/api"
	"memorychat/internal/assembler"
	"memorychat/internal/auth"
	"memorychat/internal/config"
	"memorychat/internal/logging"
	"memorychat/internal/memory"
	"memorychat/internal/observability"
	"memorychat/internal/redis"
	"memorychat/internal/service/ai"
	"memorychat/internal/service/history"
	"memorychat/internal/session"
	"memorychat/internal/storage"
	"memorychat/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("could not read .env")
	}
	logging.Init("")

	cfg, err := config.Load(os.Getenv("MEMORYCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	basic := cfg.BasicConfig

	dbType := basic.Database
	log.WithField("driver", dbType).Info("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	metrics := observability.NewMetrics("memorychat")
	hist := history.NewService(db, rdb, basic.ShortTermWindow)
	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLHours)*time.Hour,
		hist,
		auth.NewIdentityCache(rdb, 5*time.Minute),
	)
	if err != nil {
		log.Fatalf("init auth: %v", err)
	}
	authService.WithCookieName(cfg.Auth.CookieName)

	store, err := memory.New(cfg.Memory)
	if err != nil {
		log.Fatalf("open memory store: %v", err)
	}
	embedder := ai.NewEmbedder(cfg.Embedding)
	go warmUp(embedder)

	completer, err := ai.NewCompleter(context.Background(), cfg)
	if err != nil {
		log.Fatalf("init completion model: %v", err)
	}

	dispatcher := worker.NewDispatcher(
		worker.NewPersister(hist, store, embedder, basic.PersistRetries, 0),
		worker.Options{
			MinWorkers:  basic.MinWorkers,
			MaxWorkers:  basic.MaxWorkers,
			QueueSize:   basic.QueueSize,
			IdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Minute,
			Metrics:     metrics,
		},
	)
	asm := assembler.New(hist, store, embedder, dispatcher, assembler.Config{
		Window:       basic.ShortTermWindow,
		TopK:         basic.LongTermTopK,
		SystemPrompt: basic.SystemPrompt,
	}, metrics)
	sessions := session.NewManager(basic.MessageRate, basic.MessageBurst, metrics)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	sessions.StartJanitor(janitorCtx, time.Minute, time.Duration(basic.SessionIdleTimeout)*time.Minute)
	controller := session.NewController(hist, asm, completer, dispatcher,
		time.Duration(basic.GenerationTimeout)*time.Second, metrics)

	handlers := api.NewHandler(hist, authService, sessions, controller, api.Options{
		AllowedOrigins: cfg.Auth.AllowedOrigin,
		DevTokens:      cfg.Auth.DevTokens,
		Metrics:        metrics,
		Health: func(ctx context.Context) error {
			return healthCheck(ctx, db, rdb)
		},
	})
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	addr := basic.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	stopJanitor()
	sessions.CloseAll()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("persistence jobs left unfinished")
	}
}

// warmUp initialises the embedding model ahead of the first message.
func warmUp(embedder *ai.LazyEmbedder) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := embedder.Embed(ctx, "warm up"); err != nil {
		log.WithError(err).Warn("embedding warm-up failed; will retry on first use")
		return
	}
	log.Info("embedding model ready")
}

func healthCheck(ctx context.Context, db *sql.DB, rdb *redis.Client) error {
	if err := storage.Ping(ctx, db); err != nil {
		return err
	}
	if rdb != nil {
		return rdb.Ping(ctx)
	}
	return nil
}
