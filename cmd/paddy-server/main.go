package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	paddyinspector "github.com/menta2k/paddy-inspector"
	"github.com/menta2k/paddy-inspector/internal/config"
	"github.com/menta2k/paddy-inspector/internal/server"
	"github.com/menta2k/paddy-inspector/pkg/history"
)

func main() {
	var configPath string
	var release bool
	flag.StringVar(&configPath, "config", "", "config file (json or yaml)")
	flag.BoolVar(&release, "release", false, "run gin in release mode")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if release {
		gin.SetMode(gin.ReleaseMode)
	}

	inspector, err := paddyinspector.New(cfg.Options())
	if err != nil {
		log.Fatalf("Failed to create inspector: %v", err)
	}
	defer inspector.Close()

	if err := inspector.Available(); err != nil {
		log.Printf("Model not loaded, /predict will answer 503: %v", err)
	} else {
		log.Printf("Model loaded: backend=%s classes=%d", inspector.Backend(), inspector.Labels().Len())
	}

	store, err := openHistory(cfg.Server.HistoryDB)
	if err != nil {
		log.Fatalf("Failed to open history: %v", err)
	}
	defer store.Close()

	srv, err := server.New(inspector, store, cfg.ServerConfig())
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Health check: http://localhost:%d/health", cfg.Server.Port)
	log.Printf("Predict endpoint: POST http://localhost:%d/predict", cfg.Server.Port)
	log.Printf("History endpoint: GET http://localhost:%d/history", cfg.Server.Port)

	if err := srv.Run(ctx, cfg.Addr()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Server stopped")
}

func openHistory(dsn string) (history.Store, error) {
	if dsn == "" {
		log.Printf("History: in-memory (set server.history_db to persist)")
		return history.NewMemoryStore(), nil
	}
	log.Printf("History: %s", dsn)
	return history.OpenSQLStore(dsn)
}
