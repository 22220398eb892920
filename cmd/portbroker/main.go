package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/portbroker/internal/broker"
	"github.com/edirooss/portbroker/internal/config"
	"github.com/edirooss/portbroker/internal/http/handler"
	mw "github.com/edirooss/portbroker/internal/http/middleware"
	"github.com/edirooss/portbroker/internal/infrastructure/processmgr"
	"github.com/edirooss/portbroker/internal/redis"
	"github.com/edirooss/portbroker/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// devCookieSecret signs session cookies when none is configured. Never use it in prod.
const devCookieSecret = "portbroker-dev-cookie-secret-do-not-use"

func main() {
	configPath := parseFlags()

	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := service.NewMetrics(reg)
	if err != nil {
		log.Fatal("metrics registration failed", zap.Error(err))
	}
	hooks := []broker.Hooks{metrics.Hooks()}

	// Status mirror (optional)
	var slotRepo *redis.SlotRepository
	if cfg.RedisAddr != "" {
		slotRepo = redis.NewSlotRepository(log, redis.NewClient(log, cfg.RedisAddr, 0))
		hooks = append(hooks, slotRepo.Hooks())
	}

	// Backend collaborator
	var (
		backend broker.Backend = broker.NopBackend{}
		logs    service.LogSource
	)
	if len(cfg.BackendCommand) > 0 {
		pm, err := processmgr.NewProcessManager(log, processmgr.Options{
			Command:         cfg.BackendCommand,
			Host:            cfg.BackendHost,
			ReadyTimeout:    cfg.BackendReadyTimeout,
			RestartCooldown: cfg.BackendRestartCooldown,
			StopTimeout:     cfg.BackendStopTimeout,
		})
		if err != nil {
			log.Fatal("process manager creation failed", zap.Error(err))
		}
		backend, logs = pm, pm
	} else {
		log.Warn("no backend_command configured; slots are allocated without starting a backend")
	}

	// Allocation engine
	engine, err := broker.New(log, broker.Options{
		PoolStart:  cfg.PoolStart,
		PoolSize:   cfg.PoolSize,
		SessionTTL: cfg.SessionTTL,
		Backend:    backend,
		Hooks:      service.ChainHooks(hooks...),
	})
	if err != nil {
		log.Fatal("engine creation failed", zap.Error(err))
	}
	if err := metrics.WatchPool(engine); err != nil {
		log.Fatal("pool metrics registration failed", zap.Error(err))
	}
	if slotRepo != nil {
		resetSlots := func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			if err := slotRepo.Reset(ctx, engine.Ports()); err != nil {
				log.Warn("slot status reset failed", zap.Error(err))
			}
		}
		resetSlots(ctx)
		defer resetSlots(context.Background())
		slotRepo.Watch(engine)
		go slotRepo.Run(ctx)
	}
	if cfg.SessionTTL > 0 {
		go broker.NewReaper(log, engine, cfg.ReapInterval).Run(ctx)
	}

	// Token transport
	secret := []byte(cfg.CookieSecret)
	if len(secret) == 0 {
		if !isDev {
			log.Fatal("cookie_secret is required outside dev")
		}
		secret = []byte(devCookieSecret)
	}
	tokens, err := service.NewCookieTokenStore(service.TokenStoreOptions{
		IsDev:     isDev,
		RedisAddr: cfg.RedisAddr,
		Secret:    secret,
		MaxAge:    int(cfg.SessionTTL / time.Second),
	})
	if err != nil {
		log.Fatal("token store creation failed", zap.Error(err))
	}

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local dev frontends
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:     []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count", "X-Cache", "X-Summary-Generated-At", "Retry-After"},
				AllowCredentials: true, // Allow cookies in dev
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind a TLS terminating proxy
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				FrameDeny:          true,
				ContentTypeNosniff: true,
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https", // Fix scheme for secure cookies
				},
			}))
		}

		r.Use(tokens.Middleware())              // Cookie carrying the broker token
		r.Use(mw.AccessLog(log.Named("access"))) // Observability

		r.Use(func(c *gin.Context) {
			// Enforce a hard 1MB max request body; nothing here takes uploads.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/", handler.Landing(cfg.LandingPage))

		sesshndlr := handler.NewSessionsHandler(log, service.NewSessionService(log, engine, metrics), tokens, cfg.BackendHost)
		limitCreate := mw.LimitConcurrentRequests(cfg.PoolSize)
		r.GET("/connect", sesshndlr.Connect)
		r.GET("/gen_session", limitCreate, sesshndlr.CreateSession) // reached via redirect from /connect
		r.POST("/gen_session", limitCreate, sesshndlr.CreateSession)
		r.POST("/disconnect", sesshndlr.Disconnect)
		r.Any("/s/*path", sesshndlr.Proxy)

		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		summarysvc := service.NewSlotSummaryService(log, engine, logs, service.SummaryOptions{})
		slotshndlr := handler.NewSlotsHandler(log, summarysvc, logs)
		r.GET("/api/slots", slotshndlr.List)
		r.GET("/api/slots/:port/logs", mw.RequireValidPort(), slotshndlr.Logs)

		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	httpsrv := &http.Server{
		Addr:              cfg.ListenAddr + ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      60 * time.Second, // covers backend start and proxied responses
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	go func() {
		<-ctx.Done()
		log.Info("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpsrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
	}()

	log.Info("running HTTP server",
		zap.String("addr", httpsrv.Addr),
		zap.Int("pool_start", cfg.PoolStart),
		zap.Int("pool_size", cfg.PoolSize))
	if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Warn("backend shutdown incomplete", zap.Error(err))
	}
	log.Info("server closed")
}

// parseFlags handles -config and prints build metadata and exits when -v/--version is provided.
func parseFlags() string {
	configPath := flag.String("config", "portbroker.yaml", "path to the YAML config file")
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("portbroker %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
	return *configPath
}

// helpers

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
