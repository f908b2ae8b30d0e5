package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/reviewyai/reviewy/internal/credentials"
	"github.com/reviewyai/reviewy/internal/db"
	"github.com/reviewyai/reviewy/internal/models"
	"github.com/reviewyai/reviewy/internal/security"
	"gorm.io/gorm"
)

func setupAppDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:app_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func TestUpsertUserStoresTokenAndSignsSession(t *testing.T) {
	conn := setupAppDB(t)
	ctx := context.Background()

	user, session, errUpsert := UpsertUser(ctx, conn, "secret", time.Hour, UserParams{Login: "octocat", Email: "octo@example.com", Token: "gho_first"})
	if errUpsert != nil {
		t.Fatalf("upsert: %v", errUpsert)
	}
	claims, errParse := security.ParseToken("secret", session)
	if errParse != nil || claims.UserID != user.ID || claims.Login != "octocat" {
		t.Fatalf("unexpected session claims %+v, %v", claims, errParse)
	}

	again, _, errAgain := UpsertUser(ctx, conn, "secret", time.Hour, UserParams{Login: "octocat", Name: "Octo Cat", Token: "gho_second"})
	if errAgain != nil {
		t.Fatalf("second upsert: %v", errAgain)
	}
	if again.ID != user.ID || again.Name != "Octo Cat" || again.Email != "octo@example.com" {
		t.Fatalf("expected same user updated, got %+v", again)
	}
	var count int64
	conn.Model(&models.User{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one user, got %d", count)
	}

	token, errToken := credentials.NewResolver(conn).TokenForUser(ctx, user.ID)
	if errToken != nil || token != "gho_second" {
		t.Fatalf("expected refreshed token, got %q, %v", token, errToken)
	}
}

func TestUpsertUserRequiresLoginAndSecret(t *testing.T) {
	conn := setupAppDB(t)
	if _, _, errUpsert := UpsertUser(context.Background(), conn, "secret", time.Hour, UserParams{}); errUpsert == nil {
		t.Fatalf("expected missing login error")
	}
	if _, _, errUpsert := UpsertUser(context.Background(), conn, "", time.Hour, UserParams{Login: "octocat"}); errUpsert == nil {
		t.Fatalf("expected missing secret error")
	}
}
