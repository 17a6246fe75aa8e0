package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/fleet-service/internal/config"
	"golang.org/x/time/rate"
)

// RateLimiter 按 key 维护令牌桶
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows burst requests per key, refilled evenly over window.
func NewRateLimiter(burst int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(rl *RateLimiter, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	srv     *http.Server
}

// 开通速率限制器: 每个 identifier 每小时最多 10 次
var provisionRateLimiter = NewRateLimiter(10, time.Hour)

func NewServer(cfg *config.Config, handler *Handler) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "fleet-service",
		})
	})

	// Internal API - called by the bot backend
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		// Provisioning
		internal.POST("/provision", RateLimitMiddleware(provisionRateLimiter, identifierKey), s.handler.Provision)
		internal.POST("/deprovision", s.handler.Deprovision)

		// Fleet management
		internal.GET("/servers", s.handler.ListServers)
		internal.POST("/servers", s.handler.AddServer)
		internal.PUT("/servers/:id", s.handler.UpdateServer)
		internal.GET("/servers/:id/events", s.handler.ListServerEvents)
		internal.GET("/fleet/stats", s.handler.FleetStats)

		// User instances
		internal.GET("/users/:user_id/instances", s.handler.ListUserInstances)

		// Monitoring
		internal.POST("/monitor/run", s.handler.RunMonitor)
	}

	// Admin API - read only, JWT with admin role
	admin := s.router.Group("/api/v1/admin")
	admin.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	admin.Use(RequireRole("admin"))
	{
		admin.GET("/servers", s.handler.ListServers)
		admin.GET("/fleet/stats", s.handler.FleetStats)
	}
}

// identifierKey peeks at the provision body so limits apply per credential.
func identifierKey(c *gin.Context) string {
	var body struct {
		Identifier string `json:"identifier"`
	}
	if err := c.ShouldBindBodyWithJSON(&body); err != nil {
		return ""
	}
	return body.Identifier
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("[HTTP] request")
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
