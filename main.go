package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"blockquery/internal/api"
	"blockquery/internal/auth"
	"blockquery/internal/config"
	"blockquery/internal/inference"
	"blockquery/internal/redis"
	"blockquery/internal/service/chat"
	"blockquery/internal/session"
	"blockquery/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found")
	}

	cfgPath := os.Getenv("BLOCKQUERY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("BLOCKQUERY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logrus.Infof("database driver: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logrus.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create the chat, message, user, and token tables.
	if err := storage.Migrate(db, dbType); err != nil {
		logrus.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		logrus.WithError(err).Warn("redis unavailable, auth tokens will not be cached")
		rdb = nil
	}
	defer rdb.Close()

	healthTimeout := time.Duration(cfg.Inference.HealthTimeoutSeconds) * time.Second
	inferenceClient := inference.NewClient(cfg.Inference.BaseURL, healthTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if inferenceClient.CheckAvailability(ctx) {
		logrus.Info("inference service is available")
	} else {
		logrus.Warn("inference service is unavailable, chat turns will fail until it recovers")
	}
	cancel()

	chatService := chat.NewService(db)
	authService := auth.NewService(db, rdb, 24*time.Hour)
	sessions := session.NewManager(inferenceClient, chatService)
	handlers := api.NewHandler(chatService, authService, inferenceClient, sessions)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		logrus.Fatalf("server stopped: %v", err)
	}
}
