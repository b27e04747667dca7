package cmd

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/catalog"
	"github.com/vibast-solutions/ms-go-freeflow/app/controller"
	freeflowgrpc "github.com/vibast-solutions/ms-go-freeflow/app/grpc"
	"github.com/vibast-solutions/ms-go-freeflow/app/jobs"
	"github.com/vibast-solutions/ms-go-freeflow/app/metrics"
	"github.com/vibast-solutions/ms-go-freeflow/app/middleware"
	"github.com/vibast-solutions/ms-go-freeflow/app/pricing"
	"github.com/vibast-solutions/ms-go-freeflow/app/repository"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"
	"github.com/vibast-solutions/ms-go-freeflow/config"
	"github.com/vibast-solutions/ms-go-freeflow/migrations"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

const shutdownTimeout = 15 * time.Second

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long:  `Start the HTTP (Echo) server, the gRPC developer API and the maintenance job scheduler.`,
	Run:   runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply pending schema migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

// application holds the wired services shared by the serve and jobs commands.
type application struct {
	cfg       *config.Config
	db        *sql.DB
	metrics   *metrics.Metrics
	redis     *redis.Client
	limiter   *middleware.RateLimiter
	catalog   *catalog.Catalog
	auth      service.UserAuthService
	apiKeys   service.APIKeyService
	shifts    service.ShiftService
	usage     service.UsageService
	scheduler *jobs.Scheduler
}

func newApplication(cfg *config.Config, db *sql.DB) (*application, error) {
	app := &application{
		cfg:     cfg,
		db:      db,
		metrics: metrics.New(),
		limiter: middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}
	app.metrics.RegisterDB(db, "freeflow")

	cat, err := catalog.Load()
	if err != nil {
		return nil, err
	}
	app.catalog = cat

	var quoteCache pricing.Cache = pricing.NewMemoryCache()
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		pingErr := client.Ping(pingCtx).Err()
		cancel()
		if pingErr != nil {
			logrus.WithError(pingErr).WithField("addr", cfg.Redis.Addr).Warn("Redis unavailable, using in-memory quote cache")
			_ = client.Close()
		} else {
			app.redis = client
			quoteCache = pricing.NewRedisCache(client)
		}
	}
	quotes := pricing.NewClient(cfg.Pricing.BaseURL, cfg.Pricing.Timeout, pricing.WithCache(quoteCache, cfg.Pricing.CacheTTL))

	apiKeyRepo := repository.NewAPIKeyRepository(db)
	app.auth = service.NewUserAuthService(db, repository.NewUserRepository(db), repository.NewRefreshTokenRepository(db), cfg)
	app.apiKeys = service.NewAPIKeyService(apiKeyRepo, cfg)
	app.shifts = service.NewShiftService(
		repository.NewShiftRepository(db),
		quotes,
		cfg,
		service.WithConversionRecorder(app.metrics),
	)
	app.usage = service.NewUsageService(db, repository.NewUsageLogRepository(db), apiKeyRepo, cfg)

	app.scheduler, err = jobs.NewScheduler(cfg.Jobs, jobs.Dependencies{
		Shifts:   app.shifts,
		Usage:    app.usage,
		Tokens:   app.auth,
		Limiter:  app.limiter,
		Observer: app.metrics,
	})
	if err != nil {
		return nil, err
	}

	return app, nil
}

func (a *application) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, db, err := loadRuntime()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start")
	}

	if migrateOnStart {
		if err = migrations.Up(db); err != nil {
			logrus.WithError(err).Fatal("Failed to apply migrations")
		}
		logrus.Info("Schema migrations applied")
	}

	app, err := newApplication(cfg, db)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialise application")
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := newHTTPServer(app)
	grpcServer, lis := newGRPCServer(app)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	go func() {
		logrus.WithField("addr", lis.Addr().String()).Info("Starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logrus.WithError(err).Fatal("Failed to start gRPC server")
		}
	}()

	app.scheduler.Start()

	<-ctx.Done()
	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	app.scheduler.Stop(shutdownCtx)
	if err = e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()
	logrus.Info("Shutdown complete")
}

func newHTTPServer(app *application) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(app.metrics.Middleware())

	registerRoutes(e, app)
	return e
}

func registerRoutes(e *echo.Echo, app *application) {
	userAuthController := controller.NewUserAuthController(app.auth)
	apiKeyController := controller.NewAPIKeyController(app.apiKeys)
	shiftController := controller.NewShiftController(app.shifts, app.apiKeys, app.auth)
	usageController := controller.NewUsageController(app.usage, app.apiKeys)
	catalogController := controller.NewCatalogController(app.catalog)

	authMiddleware := middleware.NewAuthMiddleware(app.auth)
	apiKeyMiddleware := middleware.NewAPIKeyMiddleware(app.apiKeys, app.usage, app.limiter, app.metrics)

	e.GET("/health", controller.Health)
	e.GET("/metrics", echo.WrapHandler(app.metrics.Handler()))
	e.GET("/plans", catalogController.Plans)
	e.GET("/currencies", catalogController.Currencies)

	auth := e.Group("/auth")
	auth.POST("/register", userAuthController.Register)
	auth.POST("/login", userAuthController.Login)
	auth.POST("/refresh-token", userAuthController.RefreshToken)

	authProtected := auth.Group("")
	authProtected.Use(authMiddleware.RequireAuth)
	authProtected.POST("/logout", userAuthController.Logout)
	authProtected.GET("/me", userAuthController.Me)

	dashboard := e.Group("")
	dashboard.Use(authMiddleware.RequireAuth)
	dashboard.GET("/dashboard", shiftController.Dashboard)
	dashboard.GET("/shifts", shiftController.List)
	dashboard.GET("/api-keys", apiKeyController.List)
	dashboard.POST("/api-keys", apiKeyController.Create)
	dashboard.POST("/api-keys/:id/revoke", apiKeyController.Revoke)
	dashboard.DELETE("/api-keys/:id", apiKeyController.Delete)
	dashboard.GET("/developer/stats", usageController.DeveloperStats)
	dashboard.GET("/monitoring/logs", usageController.Monitoring)

	e.POST("/functions/v1/sideshift-convert", shiftController.ConvertFunction)
	e.OPTIONS("/functions/v1/sideshift-convert", shiftController.ConvertFunctionOptions)

	developer := e.Group("/v1")
	developer.POST("/convert", shiftController.DeveloperConvert, apiKeyMiddleware.RequireBillableAPIKey)
	developer.GET("/shifts", shiftController.DeveloperList, apiKeyMiddleware.RequireAPIKey)
}

func newGRPCServer(app *application) (*grpc.Server, net.Listener) {
	grpcAddr := net.JoinHostPort(app.cfg.GRPC.Host, app.cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to listen on gRPC port")
	}

	interceptor := freeflowgrpc.NewAPIKeyInterceptor(app.apiKeys, app.usage, app.limiter, app.metrics)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(interceptor.Unary()))
	freeflowgrpc.RegisterConversionServiceServer(grpcServer, freeflowgrpc.NewConversionServer(app.shifts))

	return grpcServer, lis
}
