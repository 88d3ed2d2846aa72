package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/fic_sync/config"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/mmdatafocus/fic_sync/webhooks"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("FIC_WEBHOOK_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The listener comes up before the database so health checks pass
	// during slow starts; everything else answers 503 until wired.
	var engine atomic.Pointer[gin.Engine]
	engine.Store(bootEngine())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine.Load().ServeHTTP(w, r)
	})
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.EnvBool("SKIP_MIGRATIONS", false) {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	var locker webhooks.Locker
	if lc := config.GetRedisLock(); lc != nil {
		locker = webhooks.NewRedisLocker(lc, logger)
	}
	comps, err := webhooks.Build(db, locker, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "wiring"}).Fatal(err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var local *webhooks.LocalDispatcher
	switch settings.DispatchMode {
	case config.DispatchModeLocal:
		local = webhooks.NewLocalDispatcher(comps.Worker, settings.LocalQueueSize, logger)
		local.Start(workerCtx, settings.LocalWorkers)
		comps.Ingress.Dispatcher = local
	default:
		client, err := config.GetClient(sigCtx)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err)
		}
		topic, err := config.CreateTopicIfNotExists(sigCtx, client, settings.ResourceSyncTopic)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub", "topic": settings.ResourceSyncTopic}).Fatal(err)
		}
		defer topic.Stop()
		comps.Ingress.Dispatcher = webhooks.NewPubSubDispatcher(topic)
	}

	engine.Store(routes(comps, settings, logger))
	logger.WithFields(logrus.Fields{
		"port":     port,
		"dispatch": settings.DispatchMode,
		"system":   settings.WebhookSystem,
	}).Info("fic webhook service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
	stopWorkers()
	if local != nil {
		local.Wait()
	}
}

func bootEngine() *gin.Engine {
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "starting"})
	})
	return r
}

func routes(comps *webhooks.Components, settings config.Settings, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowAllOrigins = false
		corsConfig.AllowOrigins = splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))
	}
	corsConfig.AddAllowMethods("GET", "POST", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "Retry-After")
	// cors.New panics on a config that disables every origin.
	if corsConfig.AllowAllOrigins || len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// Remote callbacks.
	hooks := r.Group("/webhooks/:system/:accountId/:group")
	hooks.GET("", comps.Ingress.VerificationHandler())
	hooks.POST("", comps.Ingress.NotificationHandler())

	// Pub/Sub push endpoint for the resource sync worker.
	r.POST("/internal/pubsub/resource-sync", webhooks.PubSubPushHandler(comps.Worker, logger))

	admin := r.Group("/api/integrations/fic")
	admin.Use(webhooks.AdminAuthMiddleware([]byte(settings.AdminJWTSecret)))
	comps.Admin.Register(admin)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
