// Package app wires configuration, storage, the event bus and the HTTP server into
// the server and worker processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/reviewyai/reviewy/internal/billing"
	"github.com/reviewyai/reviewy/internal/config"
	"github.com/reviewyai/reviewy/internal/credentials"
	"github.com/reviewyai/reviewy/internal/db"
	"github.com/reviewyai/reviewy/internal/events"
	"github.com/reviewyai/reviewy/internal/gemini"
	"github.com/reviewyai/reviewy/internal/github"
	apihttp "github.com/reviewyai/reviewy/internal/http"
	"github.com/reviewyai/reviewy/internal/http/api/front/handlers"
	"github.com/reviewyai/reviewy/internal/http/api/webhooks"
	"github.com/reviewyai/reviewy/internal/pinecone"
	"github.com/reviewyai/reviewy/internal/quota"
	"github.com/reviewyai/reviewy/internal/rag"
	"github.com/reviewyai/reviewy/internal/repository"
	"github.com/reviewyai/reviewy/internal/review"
	"github.com/reviewyai/reviewy/internal/worker"
	log "github.com/sirupsen/logrus"
	stripeclient "github.com/stripe/stripe-go/v79/client"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close(conn)
	return db.Migrate(conn.WithContext(ctx))
}

// runtime holds the collaborators shared by both process roles.
type runtime struct {
	cfg    config.Config
	conn   *gorm.DB
	bus    events.Bus
	tokens *credentials.Resolver
	ledger *quota.Ledger
	github *github.Client
	index  *pinecone.Index
}

func openRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		db.Close(conn)
		return nil, errMigrate
	}
	bus, errBus := events.Open(ctx, cfg.Bus)
	if errBus != nil {
		db.Close(conn)
		return nil, errBus
	}
	return &runtime{
		cfg:    cfg,
		conn:   conn,
		bus:    bus,
		tokens: credentials.NewResolver(conn),
		ledger: quota.NewLedger(conn),
		github: github.NewClient(cfg.GitHub.APIURL, nil),
	}, nil
}

func (rt *runtime) Close() {
	if rt.index != nil {
		if errClose := rt.index.Close(); errClose != nil {
			log.WithError(errClose).Warn("close vector index")
		}
	}
	if errClose := rt.bus.Close(); errClose != nil {
		log.WithError(errClose).Warn("close event bus")
	}
	db.Close(rt.conn)
}

// vectorIndex returns the configured vector index, or nil when none is configured.
func (rt *runtime) vectorIndex() (*pinecone.Index, error) {
	if rt.index != nil || rt.cfg.Vector.IndexHost == "" {
		return rt.index, nil
	}
	index, errIndex := pinecone.NewIndex(rt.cfg.Vector.APIKey, rt.cfg.Vector.IndexHost, nil)
	if errIndex != nil {
		return nil, errIndex
	}
	rt.index = index
	return index, nil
}

// newDispatcher builds the worker dispatcher with the review and indexing handlers registered.
func (rt *runtime) newDispatcher(ctx context.Context) (*worker.Dispatcher, error) {
	cfg := rt.cfg
	embedder, errEmbedder := gemini.NewClient(ctx, gemini.Options{
		APIKey:         cfg.Embedding.APIKey,
		BaseURL:        cfg.Embedding.BaseURL,
		EmbeddingModel: cfg.Embedding.Model,
	})
	if errEmbedder != nil {
		return nil, errEmbedder
	}
	generator, errGenerator := gemini.NewClient(ctx, gemini.Options{
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		GenerateModel: cfg.LLM.Model,
	})
	if errGenerator != nil {
		return nil, errGenerator
	}
	index, errIndex := rt.vectorIndex()
	if errIndex != nil {
		return nil, errIndex
	}
	if index == nil {
		return nil, fmt.Errorf("app: vector index host is not configured")
	}

	pipeline := review.NewPipeline(rt.conn, rt.tokens, rt.github, rag.NewIndexer(embedder, index), generator, review.PipelineOptions{
		CallTimeout: cfg.Worker.CallTimeout,
		TopK:        cfg.Worker.TopK,
		MaxAttempts: cfg.Bus.MaxAttempts,
		WebURL:      cfg.GitHub.WebURL,
	})
	dispatcher := worker.NewDispatcher(rt.bus, rt.conn, worker.Options{
		Name:        cfg.Worker.Name,
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Bus.MaxAttempts,
	})
	pipeline.Register(dispatcher)
	return dispatcher, nil
}

// RunServer serves webhooks and the dashboard API until ctx is done. withWorker also runs
// the consumers in-process, which the memory bus requires.
func RunServer(ctx context.Context, cfg config.Config, withWorker bool) error {
	if errValidate := cfg.Validate(config.RoleServer); errValidate != nil {
		return errValidate
	}
	if withWorker {
		if errValidate := cfg.Validate(config.RoleWorker); errValidate != nil {
			return errValidate
		}
	} else if cfg.Bus.Driver == config.BusMemory {
		log.Warn("memory event bus without an in-process worker: review requests will not be processed")
	}

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var vectors repository.VectorStore
	if index, errIndex := rt.vectorIndex(); errIndex != nil {
		return errIndex
	} else if index != nil {
		vectors = rag.NewIndexer(nil, index)
	}

	orchestrator := review.NewOrchestrator(rt.conn, rt.tokens, rt.ledger, rt.bus, cfg.GitHub.WebURL)
	manager := repository.NewManager(rt.conn, rt.tokens, rt.github, rt.bus, vectors, repository.Options{
		CallbackURL:   cfg.WebhookCallbackURL(),
		WebhookSecret: cfg.GitHub.WebhookSecret,
		WebURL:        cfg.GitHub.WebURL,
	})
	billingService := billing.NewService(rt.conn)
	var billingEvents webhooks.SubscriptionApplier
	if cfg.Billing.StripeWebhookSecret != "" {
		billingEvents = billingService
	}
	var billingSync handlers.BillingSyncer
	if cfg.Billing.StripeSecretKey != "" {
		billingSync = billingService.WithAPI(stripeclient.New(cfg.Billing.StripeSecretKey, nil))
	}

	router := apihttp.NewRouter(apihttp.RouterDeps{
		DB:           rt.conn,
		Config:       cfg,
		Reviewer:     orchestrator,
		Repositories: manager,
		Limits:       rt.ledger,
		Billing:      billingEvents,
		BillingSync:  billingSync,
	})

	if withWorker {
		dispatcher, errDispatcher := rt.newDispatcher(ctx)
		if errDispatcher != nil {
			return errDispatcher
		}
		workerCtx, cancelWorker := context.WithCancel(ctx)
		dispatcher.Start(workerCtx)
		defer func() {
			cancelWorker()
			dispatcher.Wait()
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown")
		}
	}()

	log.Infof("starting server on %s (bus=%s, worker=%t)", cfg.Server.Addr, cfg.Bus.Driver, withWorker)
	if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return errServe
	}
	return nil
}

// RunWorker consumes events until ctx is done.
func RunWorker(ctx context.Context, cfg config.Config) error {
	if errValidate := cfg.Validate(config.RoleWorker); errValidate != nil {
		return errValidate
	}
	if cfg.Bus.Driver == config.BusMemory {
		log.Warn("memory event bus is in-process: a standalone worker only sees events it publishes itself")
	}

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	dispatcher, errDispatcher := rt.newDispatcher(ctx)
	if errDispatcher != nil {
		return errDispatcher
	}
	dispatcher.Start(ctx)
	worker.NewRetentionCleaner(rt.conn, cfg.Worker.DeadLetterRetention).Start(ctx)
	<-ctx.Done()
	dispatcher.Wait()
	log.Info("worker stopped")
	return nil
}
