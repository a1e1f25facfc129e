package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"recognize-backend/cmd"
	"recognize-backend/internal/api"
	"recognize-backend/internal/database"
	"recognize-backend/internal/detection"
	"recognize-backend/internal/dispatch"
	"recognize-backend/internal/messaging"
	"recognize-backend/internal/storage"
	"recognize-backend/internal/worker"
	"recognize-backend/pkg/models"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Single process mode: gateway, broker, and workers for every category run
// in one binary against sqlite and the local filesystem. Meant for
// development, not deployment.
type LocalConfig struct {
	Port     int    `env:"API_PORT" envDefault:"8001"`
	DataDir  string `env:"DATA_DIR" envDefault:"./recognize_data"`
	NumSlots int    `env:"CONCURRENCY" envDefault:"2"`

	DetectorURL     string        `env:"DETECTOR_URL,notEmpty,required"`
	DetectorTimeout time.Duration `env:"DETECTOR_TIMEOUT" envDefault:"10m"`
	UploadBucket    string        `env:"UPLOAD_BUCKET" envDefault:"uploads"`

	ResultRetention time.Duration `env:"RESULT_RETENTION" envDefault:"24h"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	PendingAge      time.Duration `env:"PENDING_REPUBLISH_AGE" envDefault:"10m"`
}

func main() {
	log.Println("Starting Local Recognize Backend...")

	cmd.LoadEnvFile()

	var config LocalConfig
	if err := env.Parse(&config); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	db, err := database.NewDatabase("sqlite://" + filepath.Join(config.DataDir, "recognize.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	store, err := storage.NewLocalObjectStore(filepath.Join(config.DataDir, "objects"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}
	if err := store.CreateBucket(context.Background(), config.UploadBucket); err != nil {
		log.Fatalf("Failed to create upload bucket: %v", err)
	}

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	handlers := detection.NewRegistry()
	for _, category := range models.Categories() {
		detector, err := detection.NewRemoteDetector(config.DetectorURL, category, config.DetectorTimeout)
		if err != nil {
			log.Fatalf("Failed to create detection handler: %v", err)
		}
		handlers.Register(category, detector)
	}
	if err := handlers.Validate(); err != nil {
		log.Fatalf("Invalid handler registry: %v", err)
	}

	engine := worker.NewEngine(db, queue, store, handlers, worker.Config{
		Concurrency:  config.NumSlots,
		UploadBucket: config.UploadBucket,
		ScratchDir:   filepath.Join(config.DataDir, "scratch"),
	})
	engine.Start()

	gateway := dispatch.NewGateway(db, queue)
	status := dispatch.NewStatusReader(db, config.ResultRetention)

	sweeper := dispatch.NewSweeper(db, queue, config.SweepInterval, config.PendingAge, config.ResultRetention)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	service := api.NewBackendService(db, gateway, status, queue)
	service.AddRoutes(router)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Local backend listening on port %d", config.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	engine.Stop()
	log.Println("Stopped.")
}
