package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/menta2k/paddy-inspector/internal/utils"
	"github.com/menta2k/paddy-inspector/pkg/history"
	"github.com/menta2k/paddy-inspector/pkg/labels"
	"github.com/menta2k/paddy-inspector/pkg/predictor"
	"github.com/menta2k/paddy-inspector/pkg/processing"
	"github.com/menta2k/paddy-inspector/pkg/types"
)

// Inspector is the prediction facade the service drives
type Inspector interface {
	PredictImage(ctx context.Context, img image.Image, sourcePath string) types.PredictionResult
	Available() error
	Labels() *labels.LabelSet
	Backend() string
	Policy() predictor.Config
	Processor() *processing.Processor
}

// Config holds the HTTP service options
type Config struct {
	UploadDir      string
	MaxConcurrent  int64
	MaxUploadBytes int64
	AllowedOrigins []string
	Similarity     int // dHash distance for duplicate detection
}

// Server exposes the inspector over HTTP
type Server struct {
	engine    *gin.Engine
	inspector Inspector
	store     history.Store
	config    Config
	sem       *semaphore.Weighted
	started   time.Time
}

// New creates the gin engine and registers routes
func New(inspector Inspector, store history.Store, config Config) (*Server, error) {
	if inspector == nil || store == nil {
		return nil, errors.New("server: inspector and history store are required")
	}
	if config.UploadDir == "" {
		config.UploadDir = "uploads"
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 20 << 20
	}
	if config.Similarity <= 0 {
		config.Similarity = history.DefaultSimilarity
	}
	if err := utils.EnsureDir(config.UploadDir); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	s := &Server{
		inspector: inspector,
		store:     store,
		config:    config,
		sem:       semaphore.NewWeighted(config.MaxConcurrent),
		started:   time.Now(),
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(corsConfig(s.config.AllowedOrigins)))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedExtensions([]string{".png", ".jpg", ".jpeg", ".webp"})))
	r.Use(static.Serve("/uploads", static.LocalFile(s.config.UploadDir, false)))
	r.MaxMultipartMemory = s.config.MaxUploadBytes

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Paddy disease detection service is running."})
	})
	r.GET("/health", s.health)
	r.POST("/predict", s.predict)
	r.GET("/history", s.listHistory)
	r.GET("/history/:id", s.getHistory)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	if len(origins) == 0 || lo.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("paddy-inspector service listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
