// Package http assembles the gin engine serving webhooks and the dashboard API.
package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/config"
	"github.com/reviewyai/reviewy/internal/http/api/front"
	"github.com/reviewyai/reviewy/internal/http/api/front/handlers"
	"github.com/reviewyai/reviewy/internal/http/api/webhooks"
	"gorm.io/gorm"
)

// RouterDeps are the collaborators served by the router.
type RouterDeps struct {
	DB           *gorm.DB
	Config       config.Config
	Reviewer     webhooks.Reviewer
	Repositories handlers.RepositoryManager
	Limits       handlers.LimitsReader
	Billing      webhooks.SubscriptionApplier
	BillingSync  handlers.BillingSyncer
}

// NewRouter builds the HTTP engine.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())
	if origins := deps.Config.Server.CORSOrigins; len(origins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/webhooks/github", webhooks.NewGitHubHandler(deps.Reviewer, deps.Config.GitHub.WebhookSecret).Handle)
	if deps.Billing != nil {
		router.POST("/api/webhooks/stripe", webhooks.NewStripeHandler(deps.Billing, deps.Config.Billing.StripeWebhookSecret).Handle)
	}

	front.RegisterFrontRoutes(router, deps.DB, deps.Config.JWT, deps.Repositories, deps.Limits, deps.BillingSync)
	return router
}
