package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/models"
	"gorm.io/gorm"
)

const recentReviewLimit = 50

// ReviewHandler handles review history endpoints.
type ReviewHandler struct {
	db *gorm.DB
}

// NewReviewHandler constructs a ReviewHandler.
func NewReviewHandler(db *gorm.DB) *ReviewHandler {
	return &ReviewHandler{db: db}
}

type reviewResponse struct {
	ID         uint64    `json:"id"`
	Repository string    `json:"repository"`
	PRNumber   int       `json:"pr_number"`
	PRTitle    string    `json:"pr_title"`
	PRURL      string    `json:"pr_url"`
	Content    string    `json:"content"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// List returns the latest reviews across the user's repositories, newest first.
func (h *ReviewHandler) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var rows []models.Review
	ctx := c.Request.Context()
	owned := h.db.WithContext(ctx).Model(&models.Repository{}).Select("id").Where("user_id = ?", userID)
	errFind := h.db.WithContext(ctx).
		Preload("Repository").
		Where("repository_id IN (?)", owned).
		Order("created_at DESC, id DESC").
		Limit(recentReviewLimit).
		Find(&rows).Error
	if errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query reviews failed"})
		return
	}

	out := make([]reviewResponse, 0, len(rows))
	for _, row := range rows {
		item := reviewResponse{
			ID:        row.ID,
			PRNumber:  row.PRNumber,
			PRTitle:   row.PRTitle,
			PRURL:     row.PRURL,
			Content:   row.Content,
			Status:    row.Status,
			CreatedAt: row.CreatedAt,
		}
		if row.Repository != nil {
			item.Repository = row.Repository.FullName
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"reviews": out})
}
