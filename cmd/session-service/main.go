package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	sessionHandler "telecare-backend/internal/handler/http/session"
	"telecare-backend/internal/middleware"
	"telecare-backend/internal/repository/cockroach"
	redisRepo "telecare-backend/internal/repository/redis"
	sessionService "telecare-backend/internal/service/session"
	"telecare-backend/pkg/database"
	"telecare-backend/pkg/env"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
	"telecare-backend/pkg/rtctoken"
)

func main() {
	ctx := context.Background()

	// 1. Setup structured logging
	productionMode := os.Getenv("ENV") == "production"
	logFormat := "text"
	if productionMode {
		logFormat = "json"
	}
	if err := logger.Init(&logger.Config{
		Level:  env.GetString("LOG_LEVEL", "info"),
		Format: env.GetString("LOG_FORMAT", logFormat),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Setup the credential signing pair. Both halves are required: a
	// session service that cannot sign tokens has no reason to start.
	appID := env.GetStringFromFile("RTC_APP_ID", "")
	appCertificate := env.GetStringFromFile("RTC_APP_CERTIFICATE", "")
	if appID == "" || appCertificate == "" {
		log.Fatal("RTC_APP_ID and RTC_APP_CERTIFICATE environment variables are required")
	}
	tokenBuilder := rtctoken.NewBuilder(appID, appCertificate)

	// 3. Connect to CockroachDB with exponential backoff retry
	dbConfig := &database.CockroachConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 26257),
		User:     env.GetString("DB_USER", "root"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "telecare"),
		SSLMode:  env.GetString("DB_SSLMODE", "disable"),
	}

	var db *database.CockroachDB
	var err error

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = database.NewCockroachDB(ctx, dbConfig)
	if err != nil {
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
			time.Sleep(delay)

			db, err = database.NewCockroachDB(ctx, dbConfig)
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
	}
	defer db.Close()
	log.Println("Connected to CockroachDB")

	// 4. Initialize Redis with degraded mode support. Redis only backs the
	// rate limiter, so a failed connection degrades rather than aborts.
	redisConfig := &database.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}

	redisDB, err := database.NewRedisDB(redisConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
	} else {
		log.Println("Connected to Redis")
		defer redisDB.Close()
		go redisDB.StartHealthCheck(ctx, 10*time.Second)
	}

	// 5. Initialize the session service. When Redis is up, window lookups
	// go through a read-through cache; credential renewal makes GetByID
	// the hottest query in the service.
	var sessionRepo sessionService.Repository = cockroach.NewSessionRepository(db.Pool)
	if redisDB != nil {
		sessionRepo = redisRepo.NewWindowCache(sessionRepo, redisDB.Client,
			env.GetDuration("WINDOW_CACHE_TTL", 5*time.Minute))
	}
	joinBaseURL := env.GetString("JOIN_BASE_URL", "http://localhost:3000")
	sessionSvc := sessionService.NewService(sessionRepo, tokenBuilder, joinBaseURL)

	// 6. Initialize metrics
	appMetrics := metrics.NewMetrics("session-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 7. Initialize handlers
	sessionHdlr := sessionHandler.NewHandler(sessionSvc, appMetrics)

	// 8. Setup Gin router
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "session-service",
			"time":    time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler())

	// Credential issuance gets its own limiter: the renewal loop on every
	// connected client polls this route.
	var tokenRateLimit gin.HandlerFunc
	if redisDB != nil {
		limiter := middleware.NewRateLimiter(redisDB.Client,
			env.GetInt("TOKEN_RATE_LIMIT", 60), time.Minute)
		tokenRateLimit = limiter.Middleware()
	} else {
		tokenRateLimit = func(c *gin.Context) { c.Next() }
	}

	v1 := router.Group("/v1/sessions")
	{
		v1.POST("", sessionHdlr.CreateSession)
		v1.POST("/pair", sessionHdlr.CreateSessionPair)
		v1.GET("/token", tokenRateLimit, sessionHdlr.GetCredential)
		v1.GET("/schedule", sessionHdlr.GetSchedule)
		v1.GET("/by-case", sessionHdlr.GetSessionsByCase)
		v1.GET("/:id/status", sessionHdlr.GetStatus)
		v1.POST("/:id/no-show", sessionHdlr.ReportNoShow)
	}

	// 9. Start server
	port := env.GetString("PORT", "8084")
	addr := fmt.Sprintf(":%s", port)

	log.Printf("Session service starting on port %s", port)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
