// Package api exposes the scheduler over HTTP and a websocket feed.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sheerbytes/transferq/internal/logging"
	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/scheduler"
	"github.com/sheerbytes/transferq/internal/transfer"
)

// Backend is the scheduler surface the API drives.
type Backend interface {
	Enqueue(req transfer.NewItem) (transfer.Item, error)
	Cancel(id string) error
	Pause(id string) error
	Resume(id string) error
	Restart(id string) error
	Get(id string) (transfer.Item, error)
	ListItems() []transfer.Item
	QueueOrder() []string
	Stats() scheduler.Stats

	RegisterSource(src peers.Source) (peers.Source, error)
	UpdateAvailability(id, key string, ranges []peers.Range) error
	RemoveSource(id string) error
	Sources() []peers.Source
}

var _ Backend = (*scheduler.Scheduler)(nil)

// Options tunes a Server.
type Options struct {
	// WSInterval is the feed push period.
	WSInterval time.Duration
	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
	Logger    *logrus.Entry
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer    prometheus.Gatherer
	ServiceName string
}

// Server is the HTTP control surface.
type Server struct {
	backend Backend
	opts    Options
	log     *logrus.Entry
	hub     *Hub
	handler http.Handler
}

// New builds the router.
func New(b Backend, opts Options) *Server {
	if opts.WSInterval <= 0 {
		opts.WSInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "transferqd"
	}
	log := opts.Logger.WithField("component", "api")
	s := &Server{
		backend: b,
		opts:    opts,
		log:     log,
		hub:     NewHub(log),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		recoveryMiddleware(log),
		rateLimitMiddleware(opts.RateLimit, opts.Burst),
		metricsMiddleware(),
		corsMiddleware(),
		loggingMiddleware(log),
	)
	s.registerRoutes(router)

	s.handler = otelhttp.NewHandler(router, opts.ServiceName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !quietPath(r.URL.Path)
		}),
	)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the feed hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		api.GET("/transfers", s.listTransfers)
		api.POST("/transfers", s.createTransfer)
		api.GET("/transfers/:id", s.getTransfer)
		api.DELETE("/transfers/:id", s.transition(s.backend.Cancel))
		api.POST("/transfers/:id/pause", s.transition(s.backend.Pause))
		api.POST("/transfers/:id/resume", s.transition(s.backend.Resume))
		api.POST("/transfers/:id/restart", s.transition(s.backend.Restart))

		api.GET("/queue", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"order": s.backend.QueueOrder()})
		})
		api.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.backend.Stats())
		})

		api.GET("/sources", s.listSources)
		api.POST("/sources", s.registerSource)
		api.PUT("/sources/:id/availability", s.updateAvailability)
		api.DELETE("/sources/:id", s.removeSource)

		api.GET("/ws", s.serveWS)
	}
}
