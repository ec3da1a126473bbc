package main

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/quarryforge/quarry/ap"
	"github.com/quarryforge/quarry/apclient"
	"github.com/quarryforge/quarry/api"
	"github.com/quarryforge/quarry/delivery"
	apmiddleware "github.com/quarryforge/quarry/middleware"
	"github.com/quarryforge/quarry/resolver"
	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

func main() {
	e := echo.New()

	configPath := os.Getenv("QUARRY_CONFIG")
	if configPath == "" {
		configPath = "/etc/quarry/config.yaml"
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		panic(err)
	}

	slog.Info(fmt.Sprintf("Quarry federation engine %s starting...", version))
	slog.Info(fmt.Sprintf("Serving apub authority %s", config.ApConfig.FQDN))

	config.NodeInfo.Version = "2.0"
	config.NodeInfo.Software.Name = "quarry"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"activitypub"}

	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		cleanup, err := setupTraceProvider(config.Server.TraceEndpoint, config.ApConfig.FQDN, version)
		if err != nil {
			panic(err)
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.ApConfig.FQDN, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("quarry"))
	e.Use(echomiddleware.Recover())

	e.Binder = &apmiddleware.Binder{}

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(config.Server.Dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName("postgres"),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	mc := memcache.New(config.Server.MemcachedAddr)
	defer mc.Close()

	log.Println("start migrate")
	db.AutoMigrate(
		&types.User{},
		&types.Repository{},
		&types.Ticket{},
		&types.Comment{},
		&types.FollowEdge{},
		&types.WatchEdge{},
		&types.StarEdge{},
		&types.ForkEdge{},
		&types.TicketSubscriber{},
		&types.Branch{},
	)

	rdb := redis.NewClient(&redis.Options{
		Addr: config.Server.RedisAddr,
		DB:   config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	storeService := store.NewStore(db)
	client := apclient.NewApClient(mc, config.ApConfig)
	resolverService := resolver.NewResolver(storeService, client, config.ApConfig)

	queue := delivery.NewQueue(rdb, storeService, client, config.ApConfig)

	apService := ap.NewService(
		storeService,
		resolverService,
		queue,
		config.NodeInfo,
		config.ApConfig,
	)
	apHandler := ap.NewHandler(apService)

	// local envelopes skip http and land straight in the inbox dispatcher
	queue.SetLocalSink(apService)
	go queue.Run()

	apiService := api.NewService(storeService, resolverService, queue, config.ApConfig)
	apiHandler := api.NewHandler(apiService)

	verify := apmiddleware.VerifySignature(resolverService)

	e.GET("/.well-known/host-meta", apHandler.HostMeta)
	e.GET("/.well-known/webfinger", apHandler.WebFinger)
	e.GET("/.well-known/nodeinfo", apHandler.NodeInfoWellKnown)

	apub := e.Group("/apub")
	apub.GET("/nodeinfo/2.0", apHandler.NodeInfo)

	apub.GET("/users/:user", apHandler.User)
	apub.POST("/users/:user/inbox", apHandler.UserInbox, verify)
	apub.GET("/users/:user/outbox", apHandler.UserOutbox)
	apub.GET("/users/:user/followers", apHandler.UserFollowers)

	apub.GET("/users/:user/repositories/:repo", apHandler.Repository)
	apub.POST("/users/:user/repositories/:repo/inbox", apHandler.RepositoryInbox, verify)
	apub.GET("/users/:user/repositories/:repo/outbox", apHandler.RepositoryOutbox)
	apub.GET("/users/:user/repositories/:repo/followers", apHandler.RepositoryFollowers)

	apub.GET("/users/:user/repositories/:repo/issues/:number", apHandler.Ticket)
	apub.GET("/users/:user/repositories/:repo/issues/:number/comments/:uuid", apHandler.Comment)

	v1 := e.Group("/api/v1")
	v1.POST("/users", apiHandler.CreateUser)
	v1.POST("/repositories", apiHandler.CreateRepository)
	v1.POST("/follow", apiHandler.Follow)
	v1.POST("/watch", apiHandler.Watch)
	v1.POST("/star", apiHandler.Star)
	v1.POST("/fork", apiHandler.Fork)
	v1.POST("/issues", apiHandler.CreateIssue)
	v1.POST("/issues/comments", apiHandler.CommentIssue)
	v1.POST("/issues/close", apiHandler.CloseIssue)
	v1.GET("/issues/comments", apiHandler.ListIssueComments)
	v1.GET("/users/:user/repositories/:repo/branches", apiHandler.ListBranches)
	v1.PUT("/repositories/:repo/branches/default", apiHandler.SetDefaultBranch)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.Ping()
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		err = rdb.Ping(ctx).Err()
		if err != nil {
			return c.String(http.StatusInternalServerError, "redis error")
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	port := ":8000"
	envport := os.Getenv("QUARRY_PORT")
	if envport != "" {
		port = ":" + envport
	}

	e.Logger.Fatal(e.Start(port))
}
