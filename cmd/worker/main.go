package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recognize-backend/cmd"
	"recognize-backend/internal/database"
	"recognize-backend/internal/detection"
	"recognize-backend/internal/messaging"
	"recognize-backend/internal/storage"
	"recognize-backend/internal/worker"
	"recognize-backend/pkg/models"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`

	// Category the worker is bound to; it consumes that category's queue
	// and nothing else.
	Category    string `env:"WORKER_CATEGORY,notEmpty,required"`
	Concurrency int    `env:"CONCURRENCY" envDefault:"1"`

	DetectorURL     string        `env:"DETECTOR_URL,notEmpty,required"`
	DetectorTimeout time.Duration `env:"DETECTOR_TIMEOUT" envDefault:"10m"`

	UploadBucket    string `env:"UPLOAD_BUCKET" envDefault:"uploads"`
	ScratchDir      string `env:"SCRATCH_DIR"`
	LocalStorageDir string `env:"LOCAL_STORAGE_DIR"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
}

func newObjectStore(cfg WorkerConfig) (storage.ObjectStore, error) {
	if cfg.LocalStorageDir != "" {
		return storage.NewLocalObjectStore(cfg.LocalStorageDir)
	}
	return storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	category, err := models.ParseCategory(cfg.Category)
	if err != nil {
		log.Fatalf("Invalid WORKER_CATEGORY: %v", err)
	}

	queue, err := messaging.QueueForCategory(category)
	if err != nil {
		log.Fatalf("No queue mapping for category %s: %v", category, err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := newObjectStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	handlers := detection.NewRegistry()
	detector, err := detection.NewRemoteDetector(cfg.DetectorURL, category, cfg.DetectorTimeout)
	if err != nil {
		log.Fatalf("Failed to create detection handler: %v", err)
	}
	handlers.Register(category, detector)
	if err := handlers.Validate(category); err != nil {
		log.Fatalf("Invalid handler registry: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL, queue, cfg.Concurrency)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	engine := worker.NewEngine(db, receiver, store, handlers, worker.Config{
		Concurrency:  cfg.Concurrency,
		UploadBucket: cfg.UploadBucket,
		ScratchDir:   cfg.ScratchDir,
	})
	engine.Start()

	log.Printf("Worker consuming %s with concurrency %d. Press Ctrl+C to exit.", queue, cfg.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for in-flight tasks...")
	engine.Stop()
	log.Println("Worker process stopped.")
}
