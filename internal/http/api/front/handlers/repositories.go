package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/models"
	"github.com/reviewyai/reviewy/internal/repository"
)

// RepositoryManager is the connection surface used by the dashboard.
type RepositoryManager interface {
	List(ctx context.Context, userID uint64) ([]models.Repository, error)
	Available(ctx context.Context, userID uint64, page, perPage int) (*repository.AvailablePage, error)
	Connect(ctx context.Context, userID uint64, owner, repo string, githubID int64) (*repository.ConnectResult, error)
	Disconnect(ctx context.Context, userID, repositoryID uint64) (*repository.DisconnectOutcome, error)
	DisconnectAll(ctx context.Context, userID uint64) ([]repository.DisconnectOutcome, error)
}

// RepositoryHandler handles repository connection endpoints.
type RepositoryHandler struct {
	manager RepositoryManager
}

// NewRepositoryHandler constructs a RepositoryHandler.
func NewRepositoryHandler(manager RepositoryManager) *RepositoryHandler {
	return &RepositoryHandler{manager: manager}
}

type repositoryResponse struct {
	ID        uint64 `json:"id"`
	GithubID  int64  `json:"github_id"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	FullName  string `json:"full_name"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

func toRepositoryResponse(repo *models.Repository) repositoryResponse {
	return repositoryResponse{
		ID:        repo.ID,
		GithubID:  repo.GithubID,
		Owner:     repo.Owner,
		Name:      repo.Name,
		FullName:  repo.FullName,
		URL:       repo.URL,
		CreatedAt: repo.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// List returns the connected repositories.
func (h *RepositoryHandler) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	repos, errList := h.manager.List(c.Request.Context(), userID)
	if errList != nil {
		writeError(c, errList)
		return
	}
	out := make([]repositoryResponse, 0, len(repos))
	for i := range repos {
		out = append(out, toRepositoryResponse(&repos[i]))
	}
	c.JSON(http.StatusOK, gin.H{"repositories": out})
}

// Available returns one page of the user's GitHub repositories with their connection state.
func (h *RepositoryHandler) Available(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	page, errPage := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, errPerPage := strconv.Atoi(c.DefaultQuery("per_page", "30"))
	if errPage != nil || errPerPage != nil || page < 1 || perPage < 1 || perPage > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be >= 1 and per_page between 1 and 100"})
		return
	}
	result, errAvailable := h.manager.Available(c.Request.Context(), userID, page, perPage)
	if errAvailable != nil {
		writeError(c, errAvailable)
		return
	}
	c.JSON(http.StatusOK, result)
}

type connectRequest struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	GithubID int64  `json:"github_id"`
}

// Connect connects a repository and registers its webhook.
func (h *RepositoryHandler) Connect(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var body connectRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	body.Owner = strings.TrimSpace(body.Owner)
	body.Repo = strings.TrimSpace(body.Repo)
	if body.Owner == "" || body.Repo == "" || body.GithubID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner, repo and github_id are required"})
		return
	}

	result, errConnect := h.manager.Connect(c.Request.Context(), userID, body.Owner, body.Repo, body.GithubID)
	if errConnect != nil {
		writeError(c, errConnect)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"repository":      toRepositoryResponse(result.Repository),
		"created":         result.Created,
		"webhook_created": result.WebhookCreated,
	})
}

// Disconnect removes one repository.
func (h *RepositoryHandler) Disconnect(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	repoID, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil || repoID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid repository id"})
		return
	}
	outcome, errDisconnect := h.manager.Disconnect(c.Request.Context(), userID, repoID)
	if errDisconnect != nil {
		writeError(c, errDisconnect)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// DisconnectAll removes every repository and reports per-repository webhook outcomes.
func (h *RepositoryHandler) DisconnectAll(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	outcomes, errDisconnect := h.manager.DisconnectAll(c.Request.Context(), userID)
	if errDisconnect != nil {
		writeError(c, errDisconnect)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": outcomes})
}
