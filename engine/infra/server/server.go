package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inkflow/inkflow/engine/completion"
	"github.com/inkflow/inkflow/engine/infra/postgres"
	infras3 "github.com/inkflow/inkflow/engine/infra/s3"
	"github.com/inkflow/inkflow/engine/notify"
	"github.com/inkflow/inkflow/engine/recovery"
	"github.com/inkflow/inkflow/engine/render"
	"github.com/inkflow/inkflow/engine/request"
	reqrouter "github.com/inkflow/inkflow/engine/request/router"
	"github.com/inkflow/inkflow/engine/scheduler"
	"github.com/inkflow/inkflow/engine/stepup"
	"github.com/inkflow/inkflow/pkg/config"
	"github.com/inkflow/inkflow/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

// Server owns the full wiring: database, blob store, domain services,
// scheduler, outbox dispatcher, and the HTTP surface.
type Server struct {
	cfg       *config.Config
	store     *postgres.Store
	outbox    *notify.Outbox
	scheduler *scheduler.Scheduler
	http      *http.Server
}

// New builds and wires every component. Nothing is started yet.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	dsn := cfg.Database.DSN()
	if cfg.Database.AutoMigrate {
		if err := postgres.RunMigrations(ctx, dsn); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	blobs, err := infras3.NewBlobStore(ctx, &cfg.Storage)
	if err != nil {
		store.Close(ctx)
		return nil, fmt.Errorf("connecting to blob store: %w", err)
	}

	repo := postgres.NewRequestRepo(store)
	schemas := postgres.NewSchemaRepo(store)
	outbox := notify.NewOutbox(notify.LogNotifier{}, cfg.Scheduler.NotifyTimeout)
	machine := request.NewStateMachine(repo)
	orchestrator := completion.NewOrchestrator(repo, schemas, render.NewRenderer(blobs), outbox)
	recoverySvc := recovery.NewService(repo, machine, orchestrator, outbox)
	sched := scheduler.New(repo, recoverySvc, outbox, &scheduler.Config{
		DeadlineWarningHours:   cfg.Scheduler.DeadlineWarningHours,
		ExpiryWarningHours:     cfg.Scheduler.ExpiryWarningHours,
		AutoReminderDays:       cfg.Scheduler.AutoReminderDays,
		EnableExpiryWarnings:   cfg.Scheduler.EnableExpiryWarnings,
		EnableDeadlineWarnings: cfg.Scheduler.EnableDeadlineWarnings,
		EnableAutoReminders:    cfg.Scheduler.EnableAutoReminders,
	})

	var verifier stepup.Verifier = &stepup.StaticPolicy{}
	handler := reqrouter.NewHandler(repo, machine, orchestrator, recoverySvc, verifier, schemas)

	engine := buildRouter(handler)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		outbox:    outbox,
		scheduler: sched,
		http:      srv,
	}, nil
}

func buildRouter(handler *reqrouter.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := engine.Group("/api/v0")
	reqrouter.RegisterRoutes(api, handler)
	return engine
}

// Run starts the outbox dispatcher, the scheduler, and the HTTP listener,
// then blocks until ctx is canceled and everything drained.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	s.outbox.Start(ctx, s.cfg.Scheduler.OutboxInterval)
	if err := s.scheduler.Start(ctx, s.cfg.Scheduler.CronSpec); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.shutdown(ctx)
		return err
	case <-ctx.Done():
		s.shutdown(ctx)
		return <-errCh
	}
}

func (s *Server) shutdown(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	s.scheduler.Stop()
	s.outbox.Stop()
	s.store.Close(shutdownCtx)
}
