// Package review turns pull request events into dispatched review jobs and runs those jobs.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/events"
	"github.com/reviewyai/reviewy/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TokenResolver returns the stored provider token of a user.
type TokenResolver interface {
	TokenForUser(ctx context.Context, userID uint64) (string, error)
}

// ReviewQuota admits and records review dispatches.
type ReviewQuota interface {
	ReserveReview(ctx context.Context, userID, repositoryID uint64) (bool, error)
	ReleaseReview(ctx context.Context, repositoryID uint64) error
}

// Dispatch acknowledges a review request handed to the bus.
type Dispatch struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
}

// Orchestrator validates a pull request event and hands it to the worker pool.
type Orchestrator struct {
	db        *gorm.DB
	tokens    TokenResolver
	quota     ReviewQuota
	publisher events.Publisher
	webURL    string
}

// NewOrchestrator constructs an orchestrator. webURL is the hosting provider's web root,
// used to rebuild pull request links on failure records.
func NewOrchestrator(db *gorm.DB, tokens TokenResolver, quota ReviewQuota, publisher events.Publisher, webURL string) *Orchestrator {
	return &Orchestrator{
		db:        db,
		tokens:    tokens,
		quota:     quota,
		publisher: publisher,
		webURL:    strings.TrimRight(webURL, "/"),
	}
}

// RequestReview admits and dispatches a review of owner/name#number.
// Any failure after the repository is found is recorded as a failed Review row; the
// returned error is for logging only.
func (o *Orchestrator) RequestReview(ctx context.Context, owner, name string, number int) (*Dispatch, error) {
	fields := log.Fields{"repo": owner + "/" + name, "pr": number}

	dispatch, errDispatch := o.dispatch(ctx, owner, name, number)
	if errDispatch == nil {
		log.WithFields(fields).WithField("event_id", dispatch.EventID).Info("review dispatched")
		return dispatch, nil
	}

	log.WithError(errDispatch).WithFields(fields).Warn("review dispatch failed")
	o.recordFailure(context.WithoutCancel(ctx), owner, name, number, errDispatch)
	return &Dispatch{Success: false}, errDispatch
}

func (o *Orchestrator) dispatch(ctx context.Context, owner, name string, number int) (*Dispatch, error) {
	repo, errRepo := o.findRepository(ctx, owner, name)
	if errRepo != nil {
		return nil, errRepo
	}
	if repo == nil {
		return nil, notConnected(owner, name, nil)
	}
	if _, errToken := o.tokens.TokenForUser(ctx, repo.UserID); errToken != nil {
		return nil, notConnected(owner, name, errToken)
	}

	granted, errReserve := o.quota.ReserveReview(ctx, repo.UserID, repo.ID)
	if errReserve != nil {
		return nil, errReserve
	}
	if !granted {
		return nil, apperr.QuotaExceeded(fmt.Sprintf(
			"review quota exceeded: %s has reached the reviews-per-repository limit of your plan. Upgrade to PRO for unlimited reviews.",
			repo.FullName,
		))
	}

	payload := events.ReviewRequested{Owner: owner, RepoName: name, PRNumber: number, UserID: repo.UserID}
	evt, errEmit := events.Emit(ctx, o.publisher, events.NameReviewRequested, payload)
	if errEmit != nil {
		if errRelease := o.quota.ReleaseReview(context.WithoutCancel(ctx), repo.ID); errRelease != nil {
			log.WithError(errRelease).WithField("repository_id", repo.ID).Error("release review reservation failed")
		}
		return nil, apperr.Upstream("dispatch review event", errEmit)
	}
	return &Dispatch{Success: true, EventID: evt.ID}, nil
}

func notConnected(owner, name string, cause error) error {
	msg := fmt.Sprintf("repository not connected: %s/%s. Please reconnect the repository.", owner, name)
	if apperr.KindOf(cause) == apperr.KindPersistence {
		return apperr.Persistence(msg, cause)
	}
	return &apperr.Error{Kind: apperr.KindNotFound, Message: msg, Err: cause}
}

// findRepository returns the earliest connection of owner/name, or nil.
func (o *Orchestrator) findRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	var repo models.Repository
	errFind := o.db.WithContext(ctx).
		Where("owner = ? AND name = ?", owner, name).
		Order("id ASC").
		First(&repo).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperr.Persistence("load repository", errFind)
	}
	return &repo, nil
}

// recordFailure writes the compensating failed Review row. It never returns an error.
func (o *Orchestrator) recordFailure(ctx context.Context, owner, name string, number int, cause error) {
	repo, errRepo := o.findRepository(ctx, owner, name)
	if errRepo != nil || repo == nil {
		if errRepo != nil {
			log.WithError(errRepo).Error("failure record: repository lookup failed")
		}
		return
	}

	request, _ := json.Marshal(events.ReviewRequested{Owner: owner, RepoName: name, PRNumber: number, UserID: repo.UserID})
	row := models.Review{
		RepositoryID: repo.ID,
		PRNumber:     number,
		PRTitle:      fmt.Sprintf("Review failed for PR #%d", number),
		PRBody:       "The review could not be started.",
		PRURL:        PullRequestURL(o.webURL, owner, name, number),
		Content:      "Review dispatch failed: " + cause.Error(),
		Status:       models.ReviewStatusFailed,
		Request:      datatypes.JSON(request),
	}
	if errCreate := o.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).WithFields(log.Fields{"repository_id": repo.ID, "pr": number}).Error("failure record: write failed")
	}
}

// PullRequestURL rebuilds the web link of a pull request.
func PullRequestURL(webURL, owner, name string, number int) string {
	if webURL == "" {
		webURL = "https://github.com"
	}
	return fmt.Sprintf("%s/%s/%s/pull/%d", webURL, owner, name, number)
}
