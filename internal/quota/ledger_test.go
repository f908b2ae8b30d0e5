package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/db"
	"github.com/reviewyai/reviewy/internal/models"
	"gorm.io/gorm"
)

func setupLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errSQL := conn.DB()
	if errSQL != nil {
		t.Fatalf("sql db: %v", errSQL)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func createUser(t *testing.T, conn *gorm.DB, login string, tier models.SubscriptionTier) models.User {
	t.Helper()
	user := models.User{Login: login, SubscriptionTier: tier}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return user
}

func createRepo(t *testing.T, conn *gorm.DB, userID uint64, githubID int64, name string) models.Repository {
	t.Helper()
	repo := models.Repository{
		UserID:   userID,
		GithubID: githubID,
		Owner:    "acme",
		Name:     name,
		FullName: "acme/" + name,
		URL:      "https://github.com/acme/" + name,
	}
	if errCreate := conn.Create(&repo).Error; errCreate != nil {
		t.Fatalf("create repo: %v", errCreate)
	}
	return repo
}

func TestCanAddRepositoryFollowsTier(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	free := createUser(t, conn, "free", models.TierFree)
	pro := createUser(t, conn, "pro", models.TierPro)

	for i := 0; i < 3; i++ {
		ok, errCan := ledger.CanAddRepository(ctx, free.ID)
		if errCan != nil {
			t.Fatalf("can add: %v", errCan)
		}
		if !ok {
			t.Fatalf("expected admission at count %d", i)
		}
		if errInc := ledger.IncrementRepositoryCount(ctx, free.ID); errInc != nil {
			t.Fatalf("increment: %v", errInc)
		}
	}
	if ok, _ := ledger.CanAddRepository(ctx, free.ID); ok {
		t.Fatalf("expected denial at count 3")
	}

	for i := 0; i < 5; i++ {
		if errInc := ledger.IncrementRepositoryCount(ctx, pro.ID); errInc != nil {
			t.Fatalf("increment pro: %v", errInc)
		}
	}
	if ok, _ := ledger.CanAddRepository(ctx, pro.ID); !ok {
		t.Fatalf("expected pro admission")
	}
}

func TestCanGenerateReviewMissingKeyIsZero(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	user := createUser(t, conn, "octo", models.TierFree)
	repo := createRepo(t, conn, user.ID, 1, "widget")

	ok, errCan := ledger.CanGenerateReview(ctx, user.ID, repo.ID)
	if errCan != nil || !ok {
		t.Fatalf("expected admission with no counter, ok=%v err=%v", ok, errCan)
	}
	for i := 0; i < 3; i++ {
		if errInc := ledger.IncrementReviewCount(ctx, user.ID, repo.ID); errInc != nil {
			t.Fatalf("increment: %v", errInc)
		}
	}
	if ok, _ := ledger.CanGenerateReview(ctx, user.ID, repo.ID); ok {
		t.Fatalf("expected denial at review count 3")
	}

	usage, errUsage := ledger.Usage(ctx, user.ID)
	if errUsage != nil {
		t.Fatalf("usage: %v", errUsage)
	}
	if usage.ReviewCount[repo.Key()] != 3 {
		t.Fatalf("expected review count 3, got %v", usage.ReviewCount)
	}
}

func TestUnknownUserIsNotFound(t *testing.T) {
	conn := setupLedgerDB(t)
	_, errCan := NewLedger(conn).CanAddRepository(context.Background(), 999)
	if !errors.Is(errCan, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", errCan)
	}
}

func TestDecrementRepositoryCountFloorsAtZero(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	user := createUser(t, conn, "octo", models.TierFree)

	if errInc := ledger.IncrementRepositoryCount(ctx, user.ID); errInc != nil {
		t.Fatalf("increment: %v", errInc)
	}
	for i := 0; i < 3; i++ {
		if errDec := ledger.DecrementRepositoryCount(ctx, user.ID); errDec != nil {
			t.Fatalf("decrement: %v", errDec)
		}
	}
	usage, _ := ledger.Usage(ctx, user.ID)
	if usage.RepositoryCount != 0 {
		t.Fatalf("expected count floored at 0, got %d", usage.RepositoryCount)
	}
}

func TestReserveReviewIsAtomicUnderConcurrency(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	user := createUser(t, conn, "octo", models.TierFree)
	repo := createRepo(t, conn, user.ID, 1, "widget")

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, errReserve := ledger.ReserveReview(ctx, user.ID, repo.ID)
			if errReserve != nil {
				t.Errorf("reserve: %v", errReserve)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 3 {
		t.Fatalf("expected exactly 3 reservations, got %d", granted.Load())
	}
	usage, _ := ledger.Usage(ctx, user.ID)
	if usage.ReviewCount[repo.Key()] != 3 {
		t.Fatalf("expected counter 3, got %d", usage.ReviewCount[repo.Key()])
	}
}

func TestCheckThenIncrementAdmitsOverLimit(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	user := createUser(t, conn, "octo", models.TierFree)
	repo := createRepo(t, conn, user.ID, 1, "widget")

	for i := 0; i < 2; i++ {
		if errInc := ledger.IncrementReviewCount(ctx, user.ID, repo.ID); errInc != nil {
			t.Fatalf("increment: %v", errInc)
		}
	}

	// Two requests pass the admission check before either records its increment.
	okA, _ := ledger.CanGenerateReview(ctx, user.ID, repo.ID)
	okB, _ := ledger.CanGenerateReview(ctx, user.ID, repo.ID)
	if !okA || !okB {
		t.Fatalf("expected both checks to pass")
	}
	_ = ledger.IncrementReviewCount(ctx, user.ID, repo.ID)
	_ = ledger.IncrementReviewCount(ctx, user.ID, repo.ID)

	usage, _ := ledger.Usage(ctx, user.ID)
	if usage.ReviewCount[repo.Key()] != 4 {
		t.Fatalf("expected blind path to overshoot to 4, got %d", usage.ReviewCount[repo.Key()])
	}
}

func TestReserveAndReleaseRepository(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	user := createUser(t, conn, "octo", models.TierFree)

	for i := 0; i < 3; i++ {
		if ok, errReserve := ledger.ReserveRepository(ctx, user.ID); errReserve != nil || !ok {
			t.Fatalf("reserve %d: ok=%v err=%v", i, ok, errReserve)
		}
	}
	if ok, _ := ledger.ReserveRepository(ctx, user.ID); ok {
		t.Fatalf("expected fourth reservation denied")
	}
	if errRelease := ledger.ReleaseRepository(ctx, user.ID); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}
	if ok, _ := ledger.ReserveRepository(ctx, user.ID); !ok {
		t.Fatalf("expected reservation after release")
	}
}

func TestRemainingLimits(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	user := createUser(t, conn, "octo", models.TierFree)
	widget := createRepo(t, conn, user.ID, 1, "widget")
	gadget := createRepo(t, conn, user.ID, 2, "gadget")

	if errReconcile := ledger.Reconcile(ctx, user.ID); errReconcile != nil {
		t.Fatalf("reconcile: %v", errReconcile)
	}
	for i := 0; i < 3; i++ {
		_ = ledger.IncrementReviewCount(ctx, user.ID, widget.ID)
	}

	limits, errLimits := ledger.RemainingLimits(ctx, user.ID)
	if errLimits != nil {
		t.Fatalf("limits: %v", errLimits)
	}
	if limits.Repositories.Current != 2 || limits.Repositories.Limit == nil || *limits.Repositories.Limit != 3 {
		t.Fatalf("unexpected repository limits %+v", limits.Repositories)
	}
	if !limits.Reviews[widget.Key()].IsExceeded {
		t.Fatalf("expected widget reviews exceeded")
	}
	if got := limits.Reviews[gadget.Key()]; got.Current != 0 || got.IsExceeded {
		t.Fatalf("unexpected gadget limits %+v", got)
	}

	if errUpdate := conn.Model(&models.User{}).Where("id = ?", user.ID).Update("subscription_tier", models.TierPro).Error; errUpdate != nil {
		t.Fatalf("upgrade: %v", errUpdate)
	}
	limits, _ = ledger.RemainingLimits(ctx, user.ID)
	if limits.Repositories.Limit != nil || limits.Reviews[widget.Key()].IsExceeded {
		t.Fatalf("expected unlimited pro limits, got %+v", limits)
	}
}

func TestDropRepositoryResetsReviewCounter(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	ctx := context.Background()
	user := createUser(t, conn, "octo", models.TierFree)
	repo := createRepo(t, conn, user.ID, 1, "widget")

	for i := 0; i < 3; i++ {
		_ = ledger.IncrementReviewCount(ctx, user.ID, repo.ID)
	}
	if errDrop := ledger.DropRepository(ctx, repo.ID); errDrop != nil {
		t.Fatalf("drop: %v", errDrop)
	}
	if ok, _ := ledger.CanGenerateReview(ctx, user.ID, repo.ID); !ok {
		t.Fatalf("expected counter reset after drop")
	}
}
