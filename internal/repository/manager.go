// Package repository connects and disconnects repositories, keeping the remote
// webhook subscription and the local rows in step.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/db"
	"github.com/reviewyai/reviewy/internal/events"
	"github.com/reviewyai/reviewy/internal/github"
	"github.com/reviewyai/reviewy/internal/models"
	"github.com/reviewyai/reviewy/internal/quota"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const defaultParallelism = 8

// TokenResolver returns the stored provider token of a user.
type TokenResolver interface {
	TokenForUser(ctx context.Context, userID uint64) (string, error)
}

// ProviderAPI lists a user's repositories and manages their hooks on the hosting provider.
type ProviderAPI interface {
	ListUserRepos(ctx context.Context, token string, page, perPage int) ([]github.RemoteRepository, bool, error)
	EnsureWebhook(ctx context.Context, token, owner, repo, callbackURL, secret string) (*github.Webhook, bool, error)
	FindWebhook(ctx context.Context, token, owner, repo, callbackURL string) (*github.Webhook, error)
	DeleteWebhook(ctx context.Context, token, owner, repo string, hookID int64) error
}

// VectorStore drops the indexed content of a repository.
type VectorStore interface {
	DropRepository(ctx context.Context, repoID string) error
}

// Options configures a Manager.
type Options struct {
	CallbackURL   string // Webhook delivery URL of this deployment.
	WebhookSecret string
	WebURL        string // Hosting provider web root used for canonical URLs.
	Parallelism   int    // Concurrent remote deletions in DisconnectAll.
}

// Manager owns repository connection state.
type Manager struct {
	db        *gorm.DB
	tokens    TokenResolver
	provider  ProviderAPI
	publisher events.Publisher
	vectors   VectorStore
	opts      Options
}

// NewManager constructs a Manager. vectors may be nil when the server does not reach the vector index.
func NewManager(conn *gorm.DB, tokens TokenResolver, provider ProviderAPI, publisher events.Publisher, vectors VectorStore, opts Options) *Manager {
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if strings.TrimSpace(opts.WebURL) == "" {
		opts.WebURL = "https://github.com"
	}
	opts.WebURL = strings.TrimRight(opts.WebURL, "/")
	return &Manager{db: conn, tokens: tokens, provider: provider, publisher: publisher, vectors: vectors, opts: opts}
}

// ConnectResult reports the outcome of Connect.
type ConnectResult struct {
	Repository     *models.Repository `json:"repository"`
	Created        bool               `json:"created"`         // A new local row was written.
	WebhookCreated bool               `json:"webhook_created"` // A new remote hook was registered.
}

// DisconnectOutcome is the per-repository result of a disconnect.
type DisconnectOutcome struct {
	RepositoryID   uint64 `json:"repository_id"`
	FullName       string `json:"full_name"`
	WebhookDeleted bool   `json:"webhook_deleted"`
	WebhookShared  bool   `json:"webhook_shared,omitempty"` // Left in place for other users of the repository.
	Error          string `json:"error,omitempty"`
}

// AvailableRepository is a provider repository annotated with its connection state.
type AvailableRepository struct {
	github.RemoteRepository
	IsConnected  bool   `json:"is_connected"`
	RepositoryID uint64 `json:"repository_id,omitempty"` // Local row when connected.
}

// AvailablePage is one page of the user's provider repositories.
type AvailablePage struct {
	Repositories []AvailableRepository `json:"repositories"`
	Page         int                   `json:"page"`
	PerPage      int                   `json:"per_page"`
	HasNext      bool                  `json:"has_next"`
}

// Available lists one page of the repositories the user can connect, flagging those already
// connected by matching provider IDs against the user's rows.
func (m *Manager) Available(ctx context.Context, userID uint64, page, perPage int) (*AvailablePage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 30
	}
	token, errToken := m.tokens.TokenForUser(ctx, userID)
	if errToken != nil {
		return nil, errToken
	}
	remote, hasNext, errList := m.provider.ListUserRepos(ctx, token, page, perPage)
	if errList != nil {
		return nil, errList
	}

	ids := make([]int64, 0, len(remote))
	for _, r := range remote {
		ids = append(ids, r.ID)
	}
	connected := make(map[int64]uint64, len(ids))
	if len(ids) > 0 {
		var rows []models.Repository
		errFind := m.db.WithContext(ctx).Select("id", "github_id").
			Where("user_id = ? AND github_id IN ?", userID, ids).Find(&rows).Error
		if errFind != nil {
			return nil, apperr.Persistence("load connected repositories", errFind)
		}
		for _, row := range rows {
			connected[row.GithubID] = row.ID
		}
	}

	out := &AvailablePage{Repositories: make([]AvailableRepository, 0, len(remote)), Page: page, PerPage: perPage, HasNext: hasNext}
	for _, r := range remote {
		repoID, ok := connected[r.ID]
		out.Repositories = append(out.Repositories, AvailableRepository{RemoteRepository: r, IsConnected: ok, RepositoryID: repoID})
	}
	return out, nil
}

// List returns the user's connected repositories, newest first.
func (m *Manager) List(ctx context.Context, userID uint64) ([]models.Repository, error) {
	var repos []models.Repository
	if errFind := m.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&repos).Error; errFind != nil {
		return nil, apperr.Persistence("list repositories", errFind)
	}
	return repos, nil
}

// Connect registers owner/repo for reviews. Connecting an already connected repository
// re-checks the remote hook and returns the existing row.
func (m *Manager) Connect(ctx context.Context, userID uint64, owner, repo string, githubID int64) (*ConnectResult, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return nil, apperr.NotFound("repository owner and name are required")
	}
	fields := log.Fields{"user_id": userID, "repo": owner + "/" + repo}

	existing, errExisting := m.findByGithubID(ctx, userID, githubID)
	if errExisting != nil {
		return nil, errExisting
	}
	if existing != nil {
		hook, created, errHook := m.ensureWebhook(ctx, userID, owner, repo)
		if errHook != nil {
			return nil, errHook
		}
		if hook != nil && hook.ID != existing.WebhookID {
			existing.WebhookID = hook.ID
			if errSave := m.db.WithContext(ctx).Model(existing).Update("webhook_id", hook.ID).Error; errSave != nil {
				return nil, apperr.Persistence("update webhook id", errSave)
			}
		}
		log.WithFields(fields).Info("repository already connected")
		return &ConnectResult{Repository: existing, WebhookCreated: created}, nil
	}

	ledger := quota.NewLedger(m.db)
	granted, errReserve := ledger.ReserveRepository(ctx, userID)
	if errReserve != nil {
		return nil, errReserve
	}
	if !granted {
		return nil, apperr.QuotaExceeded(fmt.Sprintf(
			"repository quota exceeded: your plan allows %d connected repositories. Upgrade to PRO for unlimited repositories.",
			quota.LimitsFor(models.TierFree).Repositories,
		))
	}

	result, errConnect := m.connectReserved(ctx, userID, owner, repo, githubID)
	if errConnect != nil || !result.Created {
		if errRelease := ledger.ReleaseRepository(context.WithoutCancel(ctx), userID); errRelease != nil {
			log.WithError(errRelease).WithFields(fields).Error("release repository reservation failed")
		}
	}
	if errConnect != nil {
		return nil, errConnect
	}

	if result.Created {
		payload := events.RepoConnected{Owner: owner, Repo: repo, UserID: userID}
		if _, errEmit := events.Emit(ctx, m.publisher, events.NameRepoConnected, payload); errEmit != nil {
			log.WithError(errEmit).WithFields(fields).Warn("indexing trigger failed, repository stays connected")
		}
		log.WithFields(fields).WithField("webhook_id", result.Repository.WebhookID).Info("repository connected")
	}
	return result, nil
}

func (m *Manager) connectReserved(ctx context.Context, userID uint64, owner, repo string, githubID int64) (*ConnectResult, error) {
	hook, webhookCreated, errHook := m.ensureWebhook(ctx, userID, owner, repo)
	if errHook != nil {
		return nil, errHook
	}

	row := &models.Repository{
		UserID:    userID,
		GithubID:  githubID,
		Owner:     owner,
		Name:      repo,
		FullName:  owner + "/" + repo,
		URL:       fmt.Sprintf("%s/%s/%s", m.opts.WebURL, owner, repo),
		WebhookID: hook.ID,
	}
	if errCreate := m.db.WithContext(ctx).Create(row).Error; errCreate != nil {
		if !db.IsUniqueViolation(errCreate) {
			return nil, apperr.Persistence("store repository", errCreate)
		}
		// A concurrent connect won the insert.
		winner, errWinner := m.findByGithubID(ctx, userID, githubID)
		if errWinner != nil {
			return nil, errWinner
		}
		if winner == nil {
			return nil, apperr.Persistence("store repository", errCreate)
		}
		return &ConnectResult{Repository: winner, WebhookCreated: webhookCreated}, nil
	}
	return &ConnectResult{Repository: row, Created: true, WebhookCreated: webhookCreated}, nil
}

func (m *Manager) ensureWebhook(ctx context.Context, userID uint64, owner, repo string) (*github.Webhook, bool, error) {
	token, errToken := m.tokens.TokenForUser(ctx, userID)
	if errToken != nil {
		return nil, false, errToken
	}
	hook, created, errHook := m.provider.EnsureWebhook(ctx, token, owner, repo, m.opts.CallbackURL, m.opts.WebhookSecret)
	if errHook != nil {
		return nil, false, errHook
	}
	return hook, created, nil
}

func (m *Manager) findByGithubID(ctx context.Context, userID uint64, githubID int64) (*models.Repository, error) {
	var repo models.Repository
	errFind := m.db.WithContext(ctx).Where("user_id = ? AND github_id = ?", userID, githubID).First(&repo).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperr.Persistence("load repository", errFind)
	}
	return &repo, nil
}

// Disconnect removes the remote hook and the local rows of one repository.
// A repository that is not connected yields an apperr NotFound with no side effects.
func (m *Manager) Disconnect(ctx context.Context, userID, repositoryID uint64) (*DisconnectOutcome, error) {
	var repo models.Repository
	errFind := m.db.WithContext(ctx).Where("id = ? AND user_id = ?", repositoryID, userID).First(&repo).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("repository not found")
		}
		return nil, apperr.Persistence("load repository", errFind)
	}

	token, errToken := m.tokens.TokenForUser(ctx, userID)
	if errToken != nil && apperr.KindOf(errToken) == apperr.KindPersistence {
		return nil, errToken
	}
	outcome := m.removeWebhook(ctx, token, errToken, &repo)

	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDelete := tx.Where("repository_id = ?", repo.ID).Delete(&models.Review{}).Error; errDelete != nil {
			return errDelete
		}
		if errDrop := quota.NewLedger(tx).DropRepository(ctx, repo.ID); errDrop != nil {
			return errDrop
		}
		result := tx.Delete(&models.Repository{}, repo.ID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.NotFound("repository not found")
		}
		return quota.NewLedger(tx).DecrementRepositoryCount(ctx, userID)
	})
	if errTx != nil {
		if apperr.KindOf(errTx) != "" {
			return nil, errTx
		}
		return nil, apperr.Persistence("delete repository", errTx)
	}

	m.dropVectors(ctx, &repo)
	log.WithFields(log.Fields{
		"user_id":         userID,
		"repo":            repo.FullName,
		"webhook_deleted": outcome.WebhookDeleted,
		"webhook_shared":  outcome.WebhookShared,
	}).Info("repository disconnected")
	return outcome, nil
}

// DisconnectAll removes every repository of the user. Remote deletions run in parallel and
// their failures are reported per item; local rows are deleted regardless.
func (m *Manager) DisconnectAll(ctx context.Context, userID uint64) ([]DisconnectOutcome, error) {
	repos, errList := m.List(ctx, userID)
	if errList != nil {
		return nil, errList
	}
	if len(repos) == 0 {
		return []DisconnectOutcome{}, nil
	}

	token, errToken := m.tokens.TokenForUser(ctx, userID)
	if errToken != nil && apperr.KindOf(errToken) == apperr.KindPersistence {
		return nil, errToken
	}

	outcomes := make([]DisconnectOutcome, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)
	for i := range repos {
		g.Go(func() error {
			outcomes[i] = *m.removeWebhook(gctx, token, errToken, &repos[i])
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]uint64, 0, len(repos))
	for _, repo := range repos {
		ids = append(ids, repo.ID)
	}
	errTx := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDelete := tx.Where("repository_id IN ?", ids).Delete(&models.Review{}).Error; errDelete != nil {
			return errDelete
		}
		ledger := quota.NewLedger(tx)
		if errDrop := ledger.DropRepository(ctx, ids...); errDrop != nil {
			return errDrop
		}
		if errDelete := tx.Where("id IN ? AND user_id = ?", ids, userID).Delete(&models.Repository{}).Error; errDelete != nil {
			return errDelete
		}
		return ledger.Reconcile(ctx, userID)
	})
	if errTx != nil {
		if apperr.KindOf(errTx) != "" {
			return outcomes, errTx
		}
		return outcomes, apperr.Persistence("delete repositories", errTx)
	}

	var wg sync.WaitGroup
	for i := range repos {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.dropVectors(ctx, &repos[i])
		}()
	}
	wg.Wait()

	log.WithFields(log.Fields{"user_id": userID, "repositories": len(repos)}).Info("all repositories disconnected")
	return outcomes, nil
}

// connectedElsewhere reports whether another user still has owner/name connected. Those rows
// share the single hook this deployment registers per repository.
func (m *Manager) connectedElsewhere(ctx context.Context, repo *models.Repository) (bool, error) {
	var others int64
	errCount := m.db.WithContext(ctx).Model(&models.Repository{}).
		Where("LOWER(owner) = LOWER(?) AND LOWER(name) = LOWER(?) AND user_id <> ?", repo.Owner, repo.Name, repo.UserID).
		Count(&others).Error
	if errCount != nil {
		return false, apperr.Persistence("count repository connections", errCount)
	}
	return others > 0, nil
}

// removeWebhook deletes the hook delivering to this deployment. A hook that is already gone counts as deleted.
// The hook stays while another user has the same repository connected.
func (m *Manager) removeWebhook(ctx context.Context, token string, errToken error, repo *models.Repository) *DisconnectOutcome {
	outcome := &DisconnectOutcome{RepositoryID: repo.ID, FullName: repo.FullName}
	fields := log.Fields{"repo": repo.FullName}

	shared, errShared := m.connectedElsewhere(ctx, repo)
	if errShared != nil {
		outcome.Error = errShared.Error()
		log.WithError(errShared).WithFields(fields).Warn("webhook left in place, connection count unavailable")
		return outcome
	}
	if shared {
		outcome.WebhookShared = true
		log.WithFields(fields).Info("webhook left in place, repository connected by another user")
		return outcome
	}
	if errToken != nil {
		outcome.Error = errToken.Error()
		log.WithError(errToken).WithFields(fields).Warn("webhook left in place, token unavailable")
		return outcome
	}

	hookID := repo.WebhookID
	hook, errFind := m.provider.FindWebhook(ctx, token, repo.Owner, repo.Name, m.opts.CallbackURL)
	switch {
	case errFind == nil && hook == nil:
		outcome.WebhookDeleted = true
		return outcome
	case errFind == nil:
		hookID = hook.ID
	case errors.Is(errFind, apperr.ErrNotFound):
		outcome.WebhookDeleted = true
		return outcome
	case hookID == 0:
		outcome.Error = errFind.Error()
		log.WithError(errFind).WithFields(fields).Warn("webhook lookup failed")
		return outcome
	}

	errDelete := m.provider.DeleteWebhook(ctx, token, repo.Owner, repo.Name, hookID)
	if errDelete != nil && !errors.Is(errDelete, apperr.ErrNotFound) {
		outcome.Error = errDelete.Error()
		log.WithError(errDelete).WithFields(fields).WithField("webhook_id", hookID).Warn("webhook deletion failed")
		return outcome
	}
	outcome.WebhookDeleted = true
	return outcome
}

func (m *Manager) dropVectors(ctx context.Context, repo *models.Repository) {
	if m.vectors == nil {
		return
	}
	if errDrop := m.vectors.DropRepository(context.WithoutCancel(ctx), repo.Key()); errDrop != nil {
		log.WithError(errDrop).WithField("repo", repo.FullName).Warn("dropping indexed content failed")
	}
}
