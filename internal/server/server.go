// Package server wires the relay's router: middleware, routes, and the
// backend adapters the handlers submit through.
package server

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/emberlane/sponsorkit/internal/handlers"
	"github.com/emberlane/sponsorkit/internal/middleware"
)

// Options configures the router.
type Options struct {
	Stage      string
	ChainID    uint64
	Delegation *handlers.DelegationHandler
}

// NewRouter builds the gin engine with middleware and all relay routes.
func NewRouter(opts Options) *gin.Engine {
	if opts.Stage == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(configureCORS())
	router.Use(middleware.CorrelationIDMiddleware())
	router.Use(middleware.RequestLoggingMiddleware())

	health := handlers.NewHealthHandler(opts.ChainID, opts.Stage)
	router.GET("/healthz", health.CheckHealth)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/authorizations", opts.Delegation.ValidateAuthorization)
		v1.POST("/transactions/delegated", opts.Delegation.SubmitDelegated)
		v1.GET("/transactions/:hash/receipt", opts.Delegation.GetReceipt)
	}

	return router
}

// configureCORS builds CORS middleware from environment variables, with
// permissive defaults suitable for local development.
func configureCORS() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()

	if originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS"); originsEnv != "" {
		origins := strings.Split(originsEnv, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
	}

	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", middleware.CorrelationIDHeader}
	corsConfig.ExposeHeaders = []string{middleware.CorrelationIDHeader}

	return cors.New(corsConfig)
}
