package main

import (
	"context"
	"log"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/directory"
	"messaging-service/internal/handlers"
	"messaging-service/internal/logger"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

const serviceName = "messaging-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Debug)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	shutdownTracing, err := observability.InitTracing(context.Background(), serviceName, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		zlog.Fatalw("failed to init tracing", "error", err)
	}
	defer shutdownTracing(context.Background())

	database, err := db.Connect(cfg.DBDSN, zlog)
	if err != nil {
		zlog.Fatalw("failed to connect to db", "error", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, zlog)
	defer publisher.Close()
	zlog.Infow("event publisher ready", "mode", rabbitmq.Mode(publisher))

	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Environment, zlog)

	convRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	users := directory.NewClient(cfg.DirectoryBaseURL, zlog)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	hub := ws.NewHub(publisher, zlog)

	messagingHandler := handlers.NewMessagingHandler(convRepo, messageRepo, users, hub, audit)
	messagingWS := ws.NewMessagingWebSocketHandler(hub, verifier, convRepo, messageRepo, publisher, zlog)

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.FrontendOrigin},
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-Id", "X-Device-Id"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.GET("/conversations", authMiddleware, messagingHandler.ListConversations)
	router.POST("/conversations", authMiddleware, messagingHandler.CreateConversation)
	router.GET("/conversations/:conversation_id", authMiddleware, messagingHandler.GetConversation)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, messagingHandler.GetMessages)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, messagingHandler.PostMessage)
	router.POST("/conversations/:conversation_id/read", authMiddleware, messagingHandler.MarkRead)
	router.DELETE("/conversations/:conversation_id/messages/:message_id", authMiddleware, messagingHandler.DeleteMessage)
	router.GET("/unread-count", authMiddleware, messagingHandler.UnreadCount)

	router.GET("/ws/messaging", messagingWS.Handle)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, cfg.Debug)

	zlog.Infow("starting server", "port", cfg.Port, "environment", cfg.Environment)
	if err := router.Run(":" + cfg.Port); err != nil {
		zlog.Fatalw("server error", "error", err)
	}
}
