package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	grpcserver "chat-relay/internal/grpc"
	"chat-relay/internal/handlers"
	"chat-relay/internal/logging"
	"chat-relay/internal/middleware"
	"chat-relay/internal/mirror"
	"chat-relay/internal/observability"
	"chat-relay/internal/rabbitmq"
	"chat-relay/internal/repositories"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket relay, REST API and health server",
		Long: `Run the relay.

Serves websockets on /ws, history and group management under /api, Prometheus
metrics on /metrics and grpc.health.v1 on server.grpc_addr. Shuts down
gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName, cfg.Env, logger)
	if err != nil {
		return err
	}

	database, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	if cfg.DB.RunMigrations {
		if err := db.Migrate(ctx, database, logger); err != nil {
			_ = database.Close()
			return err
		}
	}

	userRepo := repositories.NewUserRepo(database)
	groupRepo := repositories.NewGroupRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logging.Component(logger, "amqp"))
	emitter := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditTopic, cfg.Tracing.ServiceName, cfg.Env, logging.Component(logger, "audit"))

	node := cfg.Server.NodeName
	if node == "" {
		node, _ = os.Hostname()
	}

	var (
		presenceMirror ws.PresenceMirror
		redisMirror    *mirror.RedisMirror
		refresher      *mirror.Refresher
		closeRedis     = func() error { return nil }
	)
	if cfg.Redis.Addr != "" {
		rdb, err := mirror.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("presence mirror disabled", zap.Error(err))
		} else {
			mirrorLogger := logging.Component(logger, "mirror")
			redisMirror = mirror.NewRedisMirror(rdb, cfg.Redis.KeyPrefix, node, cfg.Redis.PresenceTTL, mirrorLogger)
			presenceMirror = redisMirror
			closeRedis = rdb.Close
			refresher, err = mirror.NewRefresher(cfg.Redis.RefreshSchedule, redisMirror, 5*time.Second, mirrorLogger)
			if err != nil {
				_ = rdb.Close()
				_ = database.Close()
				return err
			}
			refresher.Start()
		}
	}

	hub := ws.NewHub(logging.Component(logger, "hub"))
	registry := ws.NewRegistry()
	resolver := ws.NewResolver(groupRepo, logging.Component(logger, "resolver"))
	presence := ws.NewPresence(registry, hub, userRepo, presenceMirror, logging.Component(logger, "presence"))
	relay := ws.NewRelay(hub, resolver, messageRepo, userRepo, presence, logging.Component(logger, "relay"),
		ws.WithStoreTimeout(cfg.Relay.StoreTimeout),
		ws.WithAuditor(emitter),
	)
	wsHandler := ws.NewWebSocketHandler(hub, registry, relay, presence, tokens, publisher, ws.ClientConfig{
		SendBuffer:      cfg.WS.SendBuffer,
		WriteWait:       cfg.WS.WriteWait,
		PongWait:        cfg.WS.PongWait,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		RatePerSecond:   cfg.WS.RatePerSecond,
		RateBurst:       cfg.WS.RateBurst,
	}, cfg.Server.AllowedOrigins, logging.Component(logger, "ws"))

	router := newRouter(routerDeps{
		serviceName: cfg.Tracing.ServiceName,
		logger:      logging.Component(logger, "http"),
		verifier:    tokens,
		history:     handlers.NewHistoryHandler(messageRepo, groupRepo, userRepo, emitter),
		groups:      handlers.NewGroupHandler(groupRepo, hub, emitter),
		online:      handlers.NewOnlineHandler(presence),
		users:       handlers.NewUserHandler(userRepo, presence, emitter),
		websocket:   wsHandler,
		db:          database,
		audit:       emitter,
		hub:         hub,
		registry:    registry,
		debug:       cfg.Server.DebugRoutes,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr), zap.String("node", node))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()

	healthServer := grpcserver.NewHealthServer(database, logging.Component(logger, "grpc"))
	watchCtx, stopWatch := context.WithCancel(context.Background())
	go healthServer.Watch(watchCtx, 15*time.Second)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("grpc listen failed", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
	} else {
		go func() {
			if err := healthServer.Serve(lis); err != nil {
				logger.Error("grpc server stopped", zap.Error(err))
			}
		}()
	}

	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"relay": func(ctx context.Context) error {
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			if err := wsHandler.Shutdown(ctx); err != nil {
				logger.Warn("websocket sessions did not drain", zap.Error(err))
			}
			if refresher != nil {
				_ = refresher.Stop(ctx)
			}
			if redisMirror != nil {
				if err := redisMirror.Close(ctx); err != nil {
					logger.Warn("clear presence mirror", zap.Error(err))
				}
			}
			if err := closeRedis(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
			if err := publisher.Close(); err != nil {
				logger.Warn("close amqp publisher", zap.Error(err))
			}
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("flush traces", zap.Error(err))
			}
			return database.Close()
		},
		"grpc": func(ctx context.Context) error {
			stopWatch()
			return healthServer.Shutdown(ctx)
		},
	})

	code := <-wait
	logger.Info("chat relay exited", zap.Int("code", code))
	if code != 0 {
		return errors.New("shutdown did not complete cleanly")
	}
	return nil
}

type routerDeps struct {
	serviceName string
	logger      *zap.Logger
	verifier    middleware.TokenVerifier
	history     *handlers.HistoryHandler
	groups      *handlers.GroupHandler
	online      *handlers.OnlineHandler
	users       *handlers.UserHandler
	websocket   *ws.WebSocketHandler
	db          handlers.Pinger
	audit       *telemetry.AuditEmitter
	hub         *ws.Hub
	registry    *ws.Registry
	debug       bool
}

func newRouter(d routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(d.serviceName),
		middleware.RequestLogger(d.logger),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/healthz", handlers.Health(d.db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", d.websocket.Handle)

	api := router.Group("/api", middleware.AuthMiddleware(d.verifier))
	api.GET("/messages", d.history.GlobalMessages)
	api.GET("/group/:group_id/messages", d.history.GroupMessages)
	api.GET("/chat/private/:peer_id", d.history.PrivateMessages)
	api.POST("/group", d.groups.CreateGroup)
	api.GET("/group", d.groups.ListGroups)
	api.GET("/group/user/:user_id", d.groups.UserGroups)
	api.POST("/group/:group_id/leave", d.groups.LeaveGroup)
	api.DELETE("/group/:group_id", d.groups.DeleteGroup)
	api.GET("/online", d.online.ListOnline)
	api.GET("/users/:user_id", d.users.GetUser)
	api.PATCH("/users/:user_id", d.users.UpdateUser)

	handlers.RegisterDebugRoutes(api, d.audit, d.hub, d.registry, d.debug)
	return router
}
