// Package webhooks receives provider callbacks.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reviewyai/reviewy/internal/review"
	"github.com/reviewyai/reviewy/internal/security"
	log "github.com/sirupsen/logrus"
)

const (
	maxWebhookBody   = 5 << 20
	dispatchDeadline = 30 * time.Second
)

// Reviewer starts the review of one pull request.
type Reviewer interface {
	RequestReview(ctx context.Context, owner, name string, number int) (*review.Dispatch, error)
}

// GitHubHandler handles repository webhook deliveries.
type GitHubHandler struct {
	reviewer Reviewer
	secret   string
	async    func(func())
}

// NewGitHubHandler constructs a GitHubHandler. An empty secret disables signature checks.
func NewGitHubHandler(reviewer Reviewer, secret string) *GitHubHandler {
	return &GitHubHandler{
		reviewer: reviewer,
		secret:   secret,
		async:    func(fn func()) { go fn() },
	}
}

type pullRequestEvent struct {
	Action     string `json:"action"`
	Number     int    `json:"number"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

var errMalformedEvent = errors.New("malformed pull_request event")

// Handle acknowledges the delivery and starts review dispatch in the background.
func (h *GitHubHandler) Handle(c *gin.Context) {
	event := c.GetHeader("X-GitHub-Event")
	if event == "ping" {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
		return
	}

	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if errRead != nil {
		log.WithError(errRead).Error("github webhook: read body failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	if errVerify := security.VerifySignature(h.secret, body, c.GetHeader("X-Hub-Signature-256")); errVerify != nil {
		log.WithError(errVerify).WithField("event", event).Warn("github webhook: signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	if event == "pull_request" {
		if errPR := h.handlePullRequest(c.Request.Context(), body); errPR != nil {
			log.WithError(errPR).Error("github webhook: error processing event")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Event Processed"})
}

func (h *GitHubHandler) handlePullRequest(ctx context.Context, body []byte) error {
	var payload pullRequestEvent
	if errDecode := json.Unmarshal(body, &payload); errDecode != nil {
		return errDecode
	}
	if payload.Repository == nil {
		return errMalformedEvent
	}
	owner, name, ok := strings.Cut(payload.Repository.FullName, "/")
	if !ok || owner == "" || name == "" {
		return errMalformedEvent
	}
	fields := log.Fields{"event": "pull_request", "repo": payload.Repository.FullName, "action": payload.Action, "pr": payload.Number}
	log.WithFields(fields).Info("github webhook")

	if payload.Action != "opened" && payload.Action != "synchronize" {
		return nil
	}

	// The dispatch outlives the request.
	dispatchCtx := context.WithoutCancel(ctx)
	h.async(func() {
		runCtx, cancel := context.WithTimeout(dispatchCtx, dispatchDeadline)
		defer cancel()
		if _, errReview := h.reviewer.RequestReview(runCtx, owner, name, payload.Number); errReview != nil {
			log.WithError(errReview).WithFields(fields).Warn("review request failed")
			return
		}
		log.WithFields(fields).Info("review request dispatched")
	})
	return nil
}
