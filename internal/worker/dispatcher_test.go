package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/reviewyai/reviewy/internal/db"
	"github.com/reviewyai/reviewy/internal/events"
	"github.com/reviewyai/reviewy/internal/models"
	"gorm.io/gorm"
)

func setupDispatcherDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:dispatcher_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func TestHandleRetriesThenDeadLetters(t *testing.T) {
	conn := setupDispatcherDB(t)
	bus := events.NewMemoryBus(8)
	d := NewDispatcher(bus, conn, Options{MaxAttempts: 2})
	d.Register(events.NameRepoConnected, func(context.Context, events.Event) error {
		return errors.New("vector index down")
	})

	evt, _ := events.NewEvent(events.NameRepoConnected, events.RepoConnected{Owner: "acme", Repo: "widget", UserID: 1})
	ctx := context.Background()

	if errHandle := d.Handle(ctx, evt); errHandle != nil {
		t.Fatalf("first attempt: %v", errHandle)
	}
	if bus.Len() != 1 {
		t.Fatalf("expected retry published, queue=%d", bus.Len())
	}

	if errHandle := d.Handle(ctx, evt.Next()); errHandle != nil {
		t.Fatalf("second attempt: %v", errHandle)
	}
	if bus.Len() != 1 {
		t.Fatalf("expected no further retry, queue=%d", bus.Len())
	}

	var letters []models.DeadLetter
	if errFind := conn.Find(&letters).Error; errFind != nil {
		t.Fatalf("find dead letters: %v", errFind)
	}
	if len(letters) != 1 || letters[0].EventID != evt.ID || letters[0].Attempt != 2 {
		t.Fatalf("unexpected dead letters %+v", letters)
	}
	if letters[0].Error != "vector index down" {
		t.Fatalf("unexpected error text %q", letters[0].Error)
	}
}

func TestHandleRecoversPanics(t *testing.T) {
	bus := events.NewMemoryBus(8)
	d := NewDispatcher(bus, nil, Options{MaxAttempts: 3})
	d.Register(events.NameReviewRequested, func(context.Context, events.Event) error {
		panic("nil map")
	})
	evt, _ := events.NewEvent(events.NameReviewRequested, events.ReviewRequested{})
	if errHandle := d.Handle(context.Background(), evt); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	if bus.Len() != 1 {
		t.Fatalf("expected panic to schedule a retry")
	}
}

func TestDispatcherConsumesFromBus(t *testing.T) {
	bus := events.NewMemoryBus(8)
	d := NewDispatcher(bus, nil, Options{Concurrency: 2})

	var mu sync.Mutex
	got := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(3)
	d.Register(events.NameReviewRequested, func(_ context.Context, evt events.Event) error {
		var payload events.ReviewRequested
		if errDecode := evt.Decode(&payload); errDecode != nil {
			return errDecode
		}
		mu.Lock()
		got[payload.RepoName]++
		mu.Unlock()
		wg.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	for _, repo := range []string{"a", "b", "c"} {
		if _, errEmit := events.Emit(ctx, bus, events.NameReviewRequested, events.ReviewRequested{Owner: "acme", RepoName: repo, PRNumber: 1}); errEmit != nil {
			t.Fatalf("emit: %v", errEmit)
		}
	}

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("events not consumed")
	}
	cancel()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected three repos handled, got %v", got)
	}
}
