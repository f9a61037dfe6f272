package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raven-ecosystem/ravenauth/service"
	"github.com/sirupsen/logrus"
)

// RouterOptions configure the gateway.
type RouterOptions struct {
	// Domain and URI are used for challenges that do not name their own.
	Domain string
	URI    string

	RateLimitRPS   float64
	RateLimitBurst int
	AllowOrigins   []string

	Logger   logrus.FieldLogger
	Registry *prometheus.Registry
}

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if opts.Logger != nil {
		router.Use(LoggingMiddleware(opts.Logger))
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	router.Use(MetricsMiddleware(registry))

	corsConfig := cors.Config{
		AllowOrigins:  opts.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	// Create handlers
	handlers := NewAuthHandlers(authService, opts.Domain, opts.URI)

	// Auth routes
	auth := router.Group("/auth")
	auth.Use(RateLimitMiddleware(opts.RateLimitRPS, opts.RateLimitBurst))
	{
		auth.POST("/:chain/challenge", handlers.Challenge)
		auth.POST("/:chain/login", handlers.Login)
		auth.GET("/:chain/sessions/:id", handlers.Session)
		auth.GET("/:chain/principals/:address", handlers.PrincipalByAddress)
		auth.GET("/:chain/addresses/:principal", handlers.AddressByPrincipal)
		auth.POST("/logout", handlers.Logout)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService))
	{
		api.GET("/me", handlers.Me)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return router
}
