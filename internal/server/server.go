package server

import (
	"context"
	"database/sql"
	"log"

	"hiketrack/internal/anomaly"
	"hiketrack/internal/auth"
	"hiketrack/internal/config"
	"hiketrack/internal/db"
	"hiketrack/internal/notify"
	"hiketrack/internal/route"
	"hiketrack/internal/stats"
	"hiketrack/internal/stream"
	"hiketrack/internal/track"
	"hiketrack/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Stream   *stream.Hub
	Notify   *notify.Dispatcher
	Tracking *tracking.Service
	Backend  string

	sqlite *sql.DB
	kafka  *kafka.Writer
}

var openSQLiteFn = db.OpenSQLite

func NewServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     pool,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient),
	}

	registerRoutes(s)
	return s
}

// stores picks the persistence for track logs, routes and hikers. A
// postgres selection without a pool, or a sqlite file that cannot be
// opened, degrades to memory so the API still comes up.
func (s *Server) stores() (track.Backend, route.Repository, auth.Store) {
	backend := s.Cfg.StoreBackend
	if backend == "" {
		backend = BackendPostgres
	}

	switch backend {
	case BackendPostgres:
		if s.DB != nil {
			s.Backend = BackendPostgres
			return track.NewPostgresBackend(s.DB), route.NewPostgresRepository(s.DB), auth.NewPostgresStore(s.DB)
		}
		log.Printf("store backend postgres has no pool, using memory")
	case BackendSQLite:
		conn, err := openSQLiteFn(s.Cfg)
		if err == nil {
			var b *track.SQLiteBackend
			b, err = track.NewSQLiteBackend(context.Background(), conn)
			if err == nil {
				s.sqlite = conn
				s.Backend = BackendSQLite
				return b, s.catalogRoutes(), s.catalogHikers()
			}
			_ = conn.Close()
		}
		log.Printf("sqlite store failed, using memory: %v", err)
	case BackendMemory:
	default:
		log.Printf("unknown store backend %q, using memory", backend)
	}

	s.Backend = BackendMemory
	return track.NewMemoryBackend(), s.catalogRoutes(), s.catalogHikers()
}

// Routes and hikers stay in postgres whenever a pool is available; only the
// track log moves to the local file.
func (s *Server) catalogRoutes() route.Repository {
	if s.DB != nil {
		return route.NewPostgresRepository(s.DB)
	}
	return route.NewMemoryRepository()
}

func (s *Server) catalogHikers() auth.Store {
	if s.DB != nil {
		return auth.NewPostgresStore(s.DB)
	}
	return auth.NewMemoryStore()
}

func (s *Server) dispatcher() *notify.Dispatcher {
	sinks := []notify.Sink{notify.NewHubSink(s.Stream)}
	if brokers := s.Cfg.Brokers(); len(brokers) > 0 {
		s.kafka = notify.NewKafkaWriter(brokers, s.Cfg.KafkaTopic)
		sinks = append(sinks, notify.NewKafkaSink(s.kafka))
	}
	return notify.NewDispatcher(s.Cfg.NotifyWorkers, s.Cfg.NotifyQueue, s.Cfg.NotifyTimeout, sinks...)
}

func statsConfig(cfg config.Config) stats.Config {
	return stats.Config{
		MaxPlausibleSpeedMps: cfg.MaxPlausibleSpeedMps,
		SmoothingWindow:      cfg.SmoothingWindow,
	}
}

// anomalyConfig starts from the detector defaults so a partially set
// environment only overrides what it names.
func anomalyConfig(cfg config.Config) anomaly.Config {
	c := anomaly.DefaultConfig()
	setFloat(&c.StationaryRadiusM, cfg.StationaryRadiusM)
	setDuration(&c.StationaryAfter, cfg.StationaryAfter)
	setDuration(&c.StationaryEscalateAfter, cfg.StationaryEscalateAfter)
	setFloat(&c.SpeedMinMps, cfg.SpeedMinMps)
	setFloat(&c.SpeedMaxMps, cfg.SpeedMaxMps)
	if cfg.SpeedConsecutive > 0 {
		c.SpeedConsecutive = cfg.SpeedConsecutive
	}
	setFloat(&c.OffRouteThresholdM, cfg.OffRouteThresholdM)
	setFloat(&c.OffRouteFarM, cfg.OffRouteFarM)
	setDuration(&c.OffRouteAfter, cfg.OffRouteAfter)
	setFloat(&c.DescentDropM, cfg.DescentDropM)
	setDuration(&c.DescentWindow, cfg.DescentWindow)
	setDuration(&c.Cooldown, cfg.AnomalyCooldown)
	return c
}

func setFloat[T ~float64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func setDuration[T ~int64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "backend": s.Backend})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)
	backend, routes, hikers := s.stores()

	authSvc := auth.NewService(s.Cfg.JWTSecret, hikers)
	routeSvc := route.NewService(routes)
	s.Notify = s.dispatcher()
	s.Tracking = tracking.NewService(backend,
		tracking.WithHub(s.Stream),
		tracking.WithNotifier(s.Notify),
		tracking.WithRoutes(routeSvc),
		tracking.WithContacts(authSvc),
		tracking.WithStatsConfig(statsConfig(s.Cfg)),
		tracking.WithAnomalyConfig(anomalyConfig(s.Cfg)),
		tracking.WithStoreOptions(track.Options{LowAccuracyThresholdM: s.Cfg.LowAccuracyThresholdM}),
	)

	auth.RegisterRoutes(s.App.Group("/auth"), authSvc, jwtMiddleware)
	route.RegisterRoutes(s.App.Group("/routes"), routeSvc, jwtMiddleware)
	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream", jwtMiddleware), s.Stream)
}

// Close stops live sessions first so their last anomalies reach the
// dispatcher before it drains.
func (s *Server) Close() {
	if s.Tracking != nil {
		s.Tracking.Close()
	}
	if s.Notify != nil {
		s.Notify.Close()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			log.Printf("kafka writer close: %v", err)
		}
	}
	s.Stream.Close()
	if s.sqlite != nil {
		_ = s.sqlite.Close()
	}
}
