package front

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/config"
	"github.com/reviewyai/reviewy/internal/http/api/front/handlers"
	"github.com/reviewyai/reviewy/internal/models"
	"github.com/reviewyai/reviewy/internal/security"
	"gorm.io/gorm"
)

// RegisterFrontRoutes registers the session-authenticated dashboard routes.
// billingSync may be nil when no payment provider key is configured.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, manager handlers.RepositoryManager, limits handlers.LimitsReader, billingSync handlers.BillingSyncer) {
	if r == nil || db == nil {
		return
	}

	authed := r.Group("/api")
	authed.Use(userAuthMiddleware(db, jwtCfg))

	profileHandler := handlers.NewProfileHandler(db)
	authed.GET("/profile", profileHandler.Get)
	authed.PATCH("/profile", profileHandler.Update)

	repositoryHandler := handlers.NewRepositoryHandler(manager)
	authed.GET("/repositories", repositoryHandler.List)
	authed.GET("/repositories/available", repositoryHandler.Available)
	authed.POST("/repositories", repositoryHandler.Connect)
	authed.DELETE("/repositories/:id", repositoryHandler.Disconnect)
	authed.DELETE("/repositories", repositoryHandler.DisconnectAll)

	reviewHandler := handlers.NewReviewHandler(db)
	authed.GET("/reviews", reviewHandler.List)

	usageHandler := handlers.NewUsageHandler(limits)
	authed.GET("/usage", usageHandler.Limits)

	if billingSync != nil {
		billingHandler := handlers.NewBillingHandler(billingSync)
		authed.POST("/billing/sync", billingHandler.Sync)
	}
}

// userAuthMiddleware validates session JWTs and loads the user into context.
func userAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var user models.User
		if errFind := db.WithContext(c.Request.Context()).Select("id").First(&user, claims.UserID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		c.Set("userID", user.ID)
		c.Next()
	}
}
