package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/db"
	"github.com/reviewyai/reviewy/internal/events"
	"github.com/reviewyai/reviewy/internal/github"
	"github.com/reviewyai/reviewy/internal/models"
	"github.com/reviewyai/reviewy/internal/rag"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultCallTimeout  = 60 * time.Second
	defaultIndexTimeout = 15 * time.Minute
)

// GitHubAPI is the hosting provider surface used by the pipeline.
type GitHubAPI interface {
	GetPRDiff(ctx context.Context, token, owner, repo string, number int) (*github.PullRequestDiff, error)
	GetRepoFileContents(ctx context.Context, token, owner, repo, path string) ([]github.FileContent, error)
	PostComment(ctx context.Context, token, owner, repo string, number int, body string) error
}

// ContextIndex indexes repositories and retrieves related context.
type ContextIndex interface {
	ReindexRepository(ctx context.Context, repoID string, docs []rag.Document) (int, error)
	RetrieveContext(ctx context.Context, query, repoID string, topK int) ([]string, error)
}

// Generator produces review text.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// PipelineOptions tunes the worker pipeline.
type PipelineOptions struct {
	CallTimeout  time.Duration // Deadline for each external call.
	IndexTimeout time.Duration // Deadline for walking and indexing a repository.
	TopK         int
	MaxAttempts  int // Attempts the dispatcher allows; the last one records a failure.
	WebURL       string
}

// Pipeline runs review and indexing jobs delivered by the bus.
type Pipeline struct {
	db        *gorm.DB
	tokens    TokenResolver
	github    GitHubAPI
	index     ContextIndex
	generator Generator
	opts      PipelineOptions
}

// NewPipeline constructs a pipeline.
func NewPipeline(conn *gorm.DB, tokens TokenResolver, gh GitHubAPI, index ContextIndex, generator Generator, opts PipelineOptions) *Pipeline {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = defaultIndexTimeout
	}
	if opts.TopK <= 0 {
		opts.TopK = rag.DefaultTopK
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Pipeline{db: conn, tokens: tokens, github: gh, index: index, generator: generator, opts: opts}
}

// Register binds the pipeline handlers on r.
func (p *Pipeline) Register(r interface {
	Register(name string, h events.Handler)
}) {
	r.Register(events.NameReviewRequested, p.HandleReviewRequested)
	r.Register(events.NameRepoConnected, p.HandleRepoConnected)
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(callCtx)
}

// HandleReviewRequested generates and posts a review for one pull request.
// Redelivered events whose review row already exists are acknowledged without side effects.
func (p *Pipeline) HandleReviewRequested(ctx context.Context, evt events.Event) error {
	var req events.ReviewRequested
	if errDecode := evt.Decode(&req); errDecode != nil {
		log.WithError(errDecode).WithField("event_id", evt.ID).Error("review: malformed event dropped")
		return nil
	}
	fields := log.Fields{"event_id": evt.ID, "repo": req.Owner + "/" + req.RepoName, "pr": req.PRNumber, "attempt": evt.Attempt}

	done, errDone := p.alreadyRecorded(ctx, evt.ID)
	if errDone != nil {
		return errDone
	}
	if done {
		log.WithFields(fields).Info("review: event already processed")
		return nil
	}

	var repo models.Repository
	errFind := p.db.WithContext(ctx).
		Where("user_id = ? AND owner = ? AND name = ?", req.UserID, req.Owner, req.RepoName).
		First(&repo).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithFields(fields).Warn("review: repository disconnected before processing")
			return nil
		}
		return apperr.Persistence("load repository", errFind)
	}

	row, errRun := p.runReview(ctx, &repo, req)
	if errRun != nil {
		if retryable(errRun) && evt.Attempt < p.opts.MaxAttempts {
			return errRun
		}
		log.WithError(errRun).WithFields(fields).Warn("review: recording failure")
		return p.recordFailure(ctx, evt, &repo, req, row, errRun)
	}

	row.EventID = &evt.ID
	row.Status = models.ReviewStatusCompleted
	row.Request = requestSnapshot(req)
	if errCreate := p.db.WithContext(context.WithoutCancel(ctx)).Create(row).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return nil
		}
		return apperr.Persistence("store review", errCreate)
	}
	log.WithFields(fields).Info("review: completed")

	token, errToken := p.tokens.TokenForUser(ctx, req.UserID)
	if errToken != nil {
		log.WithError(errToken).WithFields(fields).Warn("review: comment skipped, token unavailable")
		return nil
	}
	_, errPost := withTimeout(ctx, p.opts.CallTimeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, p.github.PostComment(c, token, req.Owner, req.RepoName, req.PRNumber, CommentBody(row.Content))
	})
	if errPost != nil {
		log.WithError(errPost).WithFields(fields).Warn("review: posting comment failed")
	}
	return nil
}

// runReview returns the review row to store. On error the row carries whatever PR metadata was fetched.
func (p *Pipeline) runReview(ctx context.Context, repo *models.Repository, req events.ReviewRequested) (*models.Review, error) {
	row := &models.Review{
		RepositoryID: repo.ID,
		PRNumber:     req.PRNumber,
		PRURL:        PullRequestURL(p.opts.WebURL, req.Owner, req.RepoName, req.PRNumber),
	}

	token, errToken := p.tokens.TokenForUser(ctx, req.UserID)
	if errToken != nil {
		return row, errToken
	}

	pr, errDiff := withTimeout(ctx, p.opts.CallTimeout, func(c context.Context) (*github.PullRequestDiff, error) {
		return p.github.GetPRDiff(c, token, req.Owner, req.RepoName, req.PRNumber)
	})
	if errDiff != nil {
		return row, errDiff
	}
	row.PRTitle = pr.Title
	row.PRBody = pr.Description

	summary, errSummary := SummarizeDiff(pr.Diff)
	if errSummary != nil {
		log.WithError(errSummary).WithField("repository_id", repo.ID).Warn("review: diff summary unavailable")
	}

	query := RetrievalQuery(pr.Title, pr.Description, summary)
	contextChunks, errRetrieve := withTimeout(ctx, p.opts.CallTimeout, func(c context.Context) ([]string, error) {
		return p.index.RetrieveContext(c, query, repo.Key(), p.opts.TopK)
	})
	if errRetrieve != nil {
		log.WithError(errRetrieve).WithField("repository_id", repo.ID).Warn("review: context retrieval failed, continuing without context")
		contextChunks = nil
	}

	prompt := BuildPrompt(pr.Title, pr.Description, summary, pr.Diff, contextChunks)
	text, errGenerate := withTimeout(ctx, p.opts.CallTimeout, func(c context.Context) (string, error) {
		return p.generator.Generate(c, systemPrompt, prompt)
	})
	if errGenerate != nil {
		return row, errGenerate
	}
	row.Content = text
	return row, nil
}

func (p *Pipeline) alreadyRecorded(ctx context.Context, eventID string) (bool, error) {
	var count int64
	if errCount := p.db.WithContext(ctx).Model(&models.Review{}).Where("event_id = ?", eventID).Count(&count).Error; errCount != nil {
		return false, apperr.Persistence("check processed review", errCount)
	}
	return count > 0, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, evt events.Event, repo *models.Repository, req events.ReviewRequested, row *models.Review, cause error) error {
	if row == nil {
		row = &models.Review{RepositoryID: repo.ID, PRNumber: req.PRNumber}
	}
	if row.PRTitle == "" {
		row.PRTitle = fmt.Sprintf("Review failed for PR #%d", req.PRNumber)
	}
	if row.PRURL == "" {
		row.PRURL = PullRequestURL(p.opts.WebURL, req.Owner, req.RepoName, req.PRNumber)
	}
	row.EventID = &evt.ID
	row.Status = models.ReviewStatusFailed
	row.Content = "AI review failed: " + cause.Error()
	row.Request = requestSnapshot(req)

	if errCreate := p.db.WithContext(context.WithoutCancel(ctx)).Create(row).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return nil
		}
		return apperr.Persistence("store failed review", errCreate)
	}
	return nil
}

// retryable reports whether another attempt might succeed.
func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindUnauthorized, apperr.KindNotFound, apperr.KindQuotaExceeded:
		return false
	}
	return true
}

func requestSnapshot(req events.ReviewRequested) datatypes.JSON {
	raw, _ := json.Marshal(req)
	return datatypes.JSON(raw)
}

// HandleRepoConnected walks a connected repository and rebuilds its vector namespace.
func (p *Pipeline) HandleRepoConnected(ctx context.Context, evt events.Event) error {
	var req events.RepoConnected
	if errDecode := evt.Decode(&req); errDecode != nil {
		log.WithError(errDecode).WithField("event_id", evt.ID).Error("index: malformed event dropped")
		return nil
	}
	fields := log.Fields{"event_id": evt.ID, "repo": req.Owner + "/" + req.Repo, "attempt": evt.Attempt}

	var repo models.Repository
	errFind := p.db.WithContext(ctx).
		Where("user_id = ? AND owner = ? AND name = ?", req.UserID, req.Owner, req.Repo).
		First(&repo).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithFields(fields).Warn("index: repository disconnected before indexing")
			return nil
		}
		return apperr.Persistence("load repository", errFind)
	}

	token, errToken := p.tokens.TokenForUser(ctx, req.UserID)
	if errToken != nil {
		if !retryable(errToken) {
			log.WithError(errToken).WithFields(fields).Warn("index: skipped, token unavailable")
			return nil
		}
		return errToken
	}

	indexCtx, cancel := context.WithTimeout(ctx, p.opts.IndexTimeout)
	defer cancel()

	files, errWalk := p.github.GetRepoFileContents(indexCtx, token, req.Owner, req.Repo, "")
	if errWalk != nil {
		return errWalk
	}
	docs := make([]rag.Document, 0, len(files))
	for _, f := range files {
		docs = append(docs, rag.Document{Path: f.Path, Content: f.Content})
	}

	written, errIndex := p.index.ReindexRepository(indexCtx, repo.Key(), docs)
	if errIndex != nil {
		return errIndex
	}
	log.WithFields(fields).WithFields(log.Fields{"files": len(files), "vectors": written}).Info("index: repository indexed")
	return nil
}
