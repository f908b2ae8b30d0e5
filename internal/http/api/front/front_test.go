package front

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/billing"
	"github.com/reviewyai/reviewy/internal/config"
	"github.com/reviewyai/reviewy/internal/db"
	"github.com/reviewyai/reviewy/internal/github"
	"github.com/reviewyai/reviewy/internal/models"
	"github.com/reviewyai/reviewy/internal/quota"
	"github.com/reviewyai/reviewy/internal/repository"
	"github.com/reviewyai/reviewy/internal/security"
	"gorm.io/gorm"
)

const testSecret = "jwt-secret"

func setupFrontDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:front_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

type stubManager struct {
	repos      []models.Repository
	connectErr error
	outcomes   []repository.DisconnectOutcome
	lastPage   [2]int
}

func (s *stubManager) Available(_ context.Context, _ uint64, page, perPage int) (*repository.AvailablePage, error) {
	s.lastPage = [2]int{page, perPage}
	return &repository.AvailablePage{
		Repositories: []repository.AvailableRepository{
			{RemoteRepository: github.RemoteRepository{ID: 42, Owner: "acme", Name: "widget", FullName: "acme/widget"}, IsConnected: true, RepositoryID: 9},
			{RemoteRepository: github.RemoteRepository{ID: 43, Owner: "acme", Name: "gadget", FullName: "acme/gadget"}},
		},
		Page:    page,
		PerPage: perPage,
		HasNext: true,
	}, nil
}

func (s *stubManager) List(context.Context, uint64) ([]models.Repository, error) {
	return s.repos, nil
}

func (s *stubManager) Connect(_ context.Context, userID uint64, owner, repo string, githubID int64) (*repository.ConnectResult, error) {
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	row := &models.Repository{ID: 9, UserID: userID, Owner: owner, Name: repo, FullName: owner + "/" + repo, GithubID: githubID}
	return &repository.ConnectResult{Repository: row, Created: true, WebhookCreated: true}, nil
}

func (s *stubManager) Disconnect(_ context.Context, _, repositoryID uint64) (*repository.DisconnectOutcome, error) {
	if repositoryID != 9 {
		return nil, apperr.NotFound("repository not found")
	}
	return &repository.DisconnectOutcome{RepositoryID: 9, WebhookDeleted: true}, nil
}

func (s *stubManager) DisconnectAll(context.Context, uint64) ([]repository.DisconnectOutcome, error) {
	return s.outcomes, nil
}

func newFrontRouter(t *testing.T, conn *gorm.DB, manager *stubManager) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterFrontRoutes(r, conn, config.JWTConfig{Secret: testSecret}, manager, quota.NewLedger(conn), nil)
	return r
}

func sessionFor(t *testing.T, user models.User) string {
	t.Helper()
	token, errToken := security.GenerateToken(testSecret, user.ID, user.Login, time.Hour)
	if errToken != nil {
		t.Fatalf("generate token: %v", errToken)
	}
	return "Bearer " + token
}

func call(r http.Handler, method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createUser(t *testing.T, conn *gorm.DB, login string) models.User {
	t.Helper()
	user := models.User{Login: login}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return user
}

func TestRoutesRequireSession(t *testing.T) {
	conn := setupFrontDB(t)
	r := newFrontRouter(t, conn, &stubManager{})

	if w := call(r, http.MethodGet, "/api/repositories", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", w.Code)
	}
	if w := call(r, http.MethodGet, "/api/repositories", "Bearer nope", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
	ghost := models.User{ID: 404, Login: "ghost"}
	if w := call(r, http.MethodGet, "/api/repositories", sessionFor(t, ghost), ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", w.Code)
	}
}

func TestConnectMapsQuotaError(t *testing.T) {
	conn := setupFrontDB(t)
	user := createUser(t, conn, "octocat")
	manager := &stubManager{connectErr: apperr.QuotaExceeded("repository quota exceeded: upgrade to PRO")}
	r := newFrontRouter(t, conn, manager)

	w := call(r, http.MethodPost, "/api/repositories", sessionFor(t, user), `{"owner":"acme","repo":"widget","github_id":42}`)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "upgrade to PRO") {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}

	if w := call(r, http.MethodPost, "/api/repositories", sessionFor(t, user), `{"owner":"acme"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", w.Code)
	}

	manager.connectErr = nil
	if w := call(r, http.MethodPost, "/api/repositories", sessionFor(t, user), `{"owner":"acme","repo":"widget","github_id":42}`); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
}

func TestDisconnectUnknownIsNotFound(t *testing.T) {
	conn := setupFrontDB(t)
	user := createUser(t, conn, "octocat")
	r := newFrontRouter(t, conn, &stubManager{})

	if w := call(r, http.MethodDelete, "/api/repositories/7", sessionFor(t, user), ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := call(r, http.MethodDelete, "/api/repositories/9", sessionFor(t, user), ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := call(r, http.MethodDelete, "/api/repositories/abc", sessionFor(t, user), ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReviewsAreScopedToUser(t *testing.T) {
	conn := setupFrontDB(t)
	alice := createUser(t, conn, "alice")
	bob := createUser(t, conn, "bob")
	aliceRepo := models.Repository{UserID: alice.ID, GithubID: 1, Owner: "alice", Name: "a", FullName: "alice/a", URL: "u"}
	bobRepo := models.Repository{UserID: bob.ID, GithubID: 2, Owner: "bob", Name: "b", FullName: "bob/b", URL: "u"}
	for _, repo := range []*models.Repository{&aliceRepo, &bobRepo} {
		if errCreate := conn.Create(repo).Error; errCreate != nil {
			t.Fatalf("create repo: %v", errCreate)
		}
	}
	for i, repoID := range []uint64{aliceRepo.ID, aliceRepo.ID, bobRepo.ID} {
		row := models.Review{RepositoryID: repoID, PRNumber: i + 1, Status: models.ReviewStatusCompleted}
		if errCreate := conn.Create(&row).Error; errCreate != nil {
			t.Fatalf("create review: %v", errCreate)
		}
	}

	r := newFrontRouter(t, conn, &stubManager{})
	w := call(r, http.MethodGet, "/api/reviews", sessionFor(t, alice), "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	var body struct {
		Reviews []struct {
			Repository string `json:"repository"`
			PRNumber   int    `json:"pr_number"`
		} `json:"reviews"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if len(body.Reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(body.Reviews))
	}
	for _, item := range body.Reviews {
		if item.Repository != "alice/a" {
			t.Fatalf("leaked review %+v", item)
		}
	}
	if body.Reviews[0].PRNumber != 2 {
		t.Fatalf("expected newest first, got %+v", body.Reviews)
	}
}

func TestUsageReportsLimits(t *testing.T) {
	conn := setupFrontDB(t)
	user := createUser(t, conn, "octocat")
	r := newFrontRouter(t, conn, &stubManager{})

	w := call(r, http.MethodGet, "/api/usage", sessionFor(t, user), "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d %s", w.Code, w.Body.String())
	}
	var limits quota.UserLimits
	if errDecode := json.Unmarshal(w.Body.Bytes(), &limits); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if limits.Tier != models.TierFree || limits.Repositories.Limit == nil || *limits.Repositories.Limit != 3 {
		t.Fatalf("unexpected limits %+v", limits)
	}
}

func TestAvailableRepositoriesPaginates(t *testing.T) {
	conn := setupFrontDB(t)
	user := createUser(t, conn, "octocat")
	manager := &stubManager{}
	r := newFrontRouter(t, conn, manager)

	w := call(r, http.MethodGet, "/api/repositories/available?page=2&per_page=50", sessionFor(t, user), "")
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d %s", w.Code, w.Body.String())
	}
	if manager.lastPage != [2]int{2, 50} {
		t.Fatalf("pagination not forwarded, got %v", manager.lastPage)
	}
	var body struct {
		Repositories []struct {
			GithubID    int64  `json:"github_id"`
			FullName    string `json:"full_name"`
			IsConnected bool   `json:"is_connected"`
		} `json:"repositories"`
		HasNext bool `json:"has_next"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if len(body.Repositories) != 2 || !body.Repositories[0].IsConnected || body.Repositories[1].IsConnected || !body.HasNext {
		t.Fatalf("unexpected body %s", w.Body.String())
	}

	if w := call(r, http.MethodGet, "/api/repositories/available", sessionFor(t, user), ""); w.Code != http.StatusOK || manager.lastPage != [2]int{1, 30} {
		t.Fatalf("expected defaults, got %d %v", w.Code, manager.lastPage)
	}
	if w := call(r, http.MethodGet, "/api/repositories/available?per_page=500", sessionFor(t, user), ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized page, got %d", w.Code)
	}
}

func TestUpdateProfile(t *testing.T) {
	conn := setupFrontDB(t)
	user := createUser(t, conn, "octocat")
	r := newFrontRouter(t, conn, &stubManager{})

	w := call(r, http.MethodPatch, "/api/profile", sessionFor(t, user), `{"name":"  Mona Lisa ","email":"mona@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d %s", w.Code, w.Body.String())
	}
	var stored models.User
	if errFind := conn.First(&stored, user.ID).Error; errFind != nil {
		t.Fatalf("load user: %v", errFind)
	}
	if stored.Name != "Mona Lisa" || stored.Email != "mona@example.com" {
		t.Fatalf("unexpected stored profile %+v", stored)
	}

	if w := call(r, http.MethodPatch, "/api/profile", sessionFor(t, user), `{"name":"Mona"}`); w.Code != http.StatusOK {
		t.Fatalf("expected partial update, got %d", w.Code)
	}
	if errFind := conn.First(&stored, user.ID).Error; errFind != nil || stored.Email != "mona@example.com" || stored.Name != "Mona" {
		t.Fatalf("partial update touched email: %+v", stored)
	}

	if w := call(r, http.MethodPatch, "/api/profile", sessionFor(t, user), `{"email":"not-an-email"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad email, got %d", w.Code)
	}
	if w := call(r, http.MethodPatch, "/api/profile", sessionFor(t, user), `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty update, got %d", w.Code)
	}
	if w := call(r, http.MethodPatch, "/api/profile", "", `{"name":"x"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", w.Code)
	}
}

type stubSyncer struct {
	err   error
	calls []uint64
}

func (s *stubSyncer) Sync(_ context.Context, userID uint64) (*billing.SyncResult, error) {
	s.calls = append(s.calls, userID)
	if s.err != nil {
		return nil, s.err
	}
	return &billing.SyncResult{SubscriptionID: "sub_1", SubscriptionTier: models.TierPro, SubscriptionStatus: models.StatusActive, Changed: true}, nil
}

func TestBillingSyncRoute(t *testing.T) {
	conn := setupFrontDB(t)
	user := createUser(t, conn, "octocat")

	gin.SetMode(gin.TestMode)
	disabled := gin.New()
	RegisterFrontRoutes(disabled, conn, config.JWTConfig{Secret: testSecret}, &stubManager{}, quota.NewLedger(conn), nil)
	if w := call(disabled, http.MethodPost, "/api/billing/sync", sessionFor(t, user), ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected route absent without provider key, got %d", w.Code)
	}

	syncer := &stubSyncer{}
	r := gin.New()
	RegisterFrontRoutes(r, conn, config.JWTConfig{Secret: testSecret}, &stubManager{}, quota.NewLedger(conn), syncer)
	w := call(r, http.MethodPost, "/api/billing/sync", sessionFor(t, user), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"subscription_tier":"PRO"`) {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
	if len(syncer.calls) != 1 || syncer.calls[0] != user.ID {
		t.Fatalf("expected sync for the session user, got %v", syncer.calls)
	}

	syncer.err = apperr.NotFound("no billing customer is linked to this account")
	if w := call(r, http.MethodPost, "/api/billing/sync", sessionFor(t, user), ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without customer, got %d", w.Code)
	}
}
