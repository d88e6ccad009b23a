package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"digitserve/db"
	qhttp "digitserve/http"
	"digitserve/logging"
	"digitserve/ml"
	"digitserve/mnist"
)

type Config struct {
	Http struct {
		Port           int      `yaml:"port"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Models struct {
		Dir string `yaml:"dir"`
	} `yaml:"models"`
	Data struct {
		Dir      string `yaml:"dir"`
		MnistURL string `yaml:"mnist_url"`
	} `yaml:"data"`
	Training ml.PipelineConfig `yaml:"training"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Log logging.Config `yaml:"log"`
}

func main() {
	// 1. Load config
	config, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logging.Init(config.Log); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()
	logger := logging.L()

	// 2. Initialize database
	if err := db.InitDB(config.Database.Path); err != nil {
		logger.Fatalw("failed to initialize database", "error", err)
	}
	defer db.Close()
	logger.Infow("database initialized", "path", config.Database.Path)

	// 3. Build the model registry around the training pipeline
	pipeline := &ml.Pipeline{
		Source: &mnist.Source{
			BaseURL: config.Data.MnistURL,
			DataDir: config.Data.Dir,
		},
		Config:   config.Training,
		Recorder: db.Recorder{},
	}
	registry := ml.NewRegistry(config.Models.Dir, pipeline.Run)

	service, err := ml.NewService(registry, 256)
	if err != nil {
		logger.Fatalw("failed to create inference service", "error", err)
	}

	// 4. Load a persisted model or kick off background training
	if registry.LoadPersisted() {
		logger.Infow("serving persisted model")
	} else {
		registry.RequestTraining()
		logger.Infow("no persisted model, background training requested")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := registry.Watch(ctx); err != nil {
		logger.Warnw("models dir watcher unavailable", "error", err)
	}

	// 5. Start HTTP server
	qhttp.SetPredictor(service)
	qhttp.SetRegistry(registry)

	serverConfig := qhttp.DefaultServerConfig()
	if config.Http.Port > 0 {
		serverConfig.Port = config.Http.Port
	}
	if config.Http.TimeoutSeconds > 0 {
		serverConfig.Timeout = time.Duration(config.Http.TimeoutSeconds) * time.Second
	}
	if len(config.Http.AllowedOrigins) > 0 {
		serverConfig.AllowedOrigins = config.Http.AllowedOrigins
	}

	server := qhttp.NewServer(serverConfig)
	registry.Subscribe(func(state ml.TrainingState) {
		server.Hub().Broadcast(state, registry.StatusMessage())
	})

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("HTTP server failed", "error", err)
		}
	}()

	// 6. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infow("shutting down")

	if err := server.Stop(); err != nil {
		logger.Warnw("server forced to shutdown", "error", err)
	}

	logger.Infow("exiting")
}

func loadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
