package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/channel"
	"github.com/jmehdipour/teatrace/internal/config"
	"github.com/jmehdipour/teatrace/internal/http/middleware"
	"github.com/jmehdipour/teatrace/internal/keys"
	"github.com/jmehdipour/teatrace/internal/repository"
	"github.com/jmehdipour/teatrace/internal/service/outbox"
	"github.com/jmehdipour/teatrace/internal/service/status"
)

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

// Deps are the collaborators behind the routes. Archive may be nil.
type Deps struct {
	Submitter Submitter
	Reader    Reader
	Archive   repository.ArchiveRepository
	Redis     *redis.Client
	RPS       int
}

// NewServer wires the repositories and services over MySQL. chDB may be nil
// when ClickHouse is not configured.
func NewServer(cfg config.Config, mysqlDB, chDB *sqlx.DB, rds *redis.Client, pub channel.Publisher, sealer *keys.Sealer, lg *zap.Logger) *Server {
	// repos (MySQL)
	usersRepo := repository.NewUsersRepository(mysqlDB)
	harvestsRepo := repository.NewHarvestsRepository(mysqlDB)
	processingRepo := repository.NewProcessingRepository(mysqlDB)
	consignmentsRepo := repository.NewConsignmentsRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)
	eventsRepo := repository.NewEventLogRepository(mysqlDB)

	// repos (ClickHouse)
	var archiveRepo repository.ArchiveRepository
	if chDB != nil {
		archiveRepo = repository.NewArchiveRepository(chDB)
	}

	// services
	writer := outbox.NewWriter(mysqlDB, outboxRepo, pub, lg)
	submitSvc := outbox.NewService(writer, outbox.Stores{
		Users:        usersRepo,
		Harvests:     harvestsRepo,
		Processing:   processingRepo,
		Consignments: consignmentsRepo,
	}, sealer)
	statusSvc := status.NewService(status.Stores{
		Outbox:       outboxRepo,
		Users:        usersRepo,
		Harvests:     harvestsRepo,
		Processing:   processingRepo,
		Consignments: consignmentsRepo,
		Events:       eventsRepo,
	})

	return New(Deps{
		Submitter: submitSvc,
		Reader:    statusSvc,
		Archive:   archiveRepo,
		Redis:     rds,
		RPS:       cfg.RateLimit.RPS,
	}, lg)
}

// New builds the echo router over already constructed services.
func New(d Deps, lg *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            d.RPS,
		KeyPrefix:      "rl:user:",
		Window:         time.Second,
		RetryAfterHint: true,
	})
	optional := middleware.IdentityMiddleware(false)
	required := middleware.IdentityMiddleware(true)

	h := &handlers{w: d.Submitter, r: d.Reader, log: lg}

	// routes
	v1 := e.Group("/v1")
	v1.POST("/users", h.registerUser, optional, rlMW)
	v1.POST("/harvests", h.recordHarvest, required, rlMW)
	v1.POST("/harvests/:id/processing", h.recordProcessing, required, rlMW)
	v1.POST("/batches", h.createBatch, required, rlMW)
	v1.POST("/consignments", h.createConsignment, required, rlMW)
	v1.PATCH("/consignments/:id", h.updateConsignment, required, rlMW)

	v1.GET("/requests/:id", h.getStatus, optional)
	v1.GET("/packets/:id/history", h.packetHistory, optional)
	v1.GET("/reports/events", eventCountsHandler(d.Archive), optional)

	return &Server{e: e, log: lg}
}

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// ServeHTTP lets tests drive the router directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }
