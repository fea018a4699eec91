package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/inkflow/inkflow/engine/notify"
	"github.com/inkflow/inkflow/engine/recovery"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/pkg/logger"
)

// Config tunes the time-driven checks.
type Config struct {
	// DeadlineWarningHours is the window before expiry in which pending
	// signers are warned.
	DeadlineWarningHours int
	// ExpiryWarningHours is the window before expiry in which the initiator
	// is warned.
	ExpiryWarningHours int
	// AutoReminderDays lists lead times, in days before expiry, at which
	// pending signers receive a reminder. A request crosses several lead
	// times as it approaches expiry and is reminded at each one; sends are
	// not deduplicated against earlier lead times.
	AutoReminderDays       []int
	EnableExpiryWarnings   bool
	EnableDeadlineWarnings bool
	EnableAutoReminders    bool
}

func DefaultConfig() *Config {
	return &Config{
		DeadlineWarningHours:   48,
		ExpiryWarningHours:     24,
		AutoReminderDays:       []int{7, 3, 1},
		EnableExpiryWarnings:   true,
		EnableDeadlineWarnings: true,
		EnableAutoReminders:    true,
	}
}

// CheckReport aggregates one check's pass.
type CheckReport struct {
	Checked  int     `json:"checked"`
	Notified int     `json:"notified"`
	Skipped  int     `json:"skipped"`
	Errors   []error `json:"-"`
}

// RunReport aggregates a full RunAllChecks pass. RunAllChecks never fails
// outright; every error ends up in here.
type RunReport struct {
	Expired   *recovery.SweepReport `json:"expired"`
	Deadlines *CheckReport          `json:"deadlines"`
	Reminders *CheckReport          `json:"reminders"`
}

// ErrorCount totals the errors collected across all checks.
func (r *RunReport) ErrorCount() int {
	n := 0
	if r.Expired != nil {
		n += len(r.Expired.Errors)
	}
	if r.Deadlines != nil {
		n += len(r.Deadlines.Errors)
	}
	if r.Reminders != nil {
		n += len(r.Reminders.Errors)
	}
	return n
}

// Scheduler detects time-based transitions independently of user actions.
// The three checks run concurrently with each other; each processes its
// selection sequentially and tolerates per-item failure.
type Scheduler struct {
	repo     request.Repository
	recovery *recovery.Service
	outbox   *notify.Outbox
	cfg      *Config
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func New(
	repo request.Repository,
	recoverySvc *recovery.Service,
	outbox *notify.Outbox,
	cfg *Config,
) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		repo:     repo,
		recovery: recoverySvc,
		outbox:   outbox,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// CheckExpiredDocuments transitions every overdue open request through the
// recovery sweep. Expiry handling lives in one code path: the recovery
// service owns the transition and its notifications.
func (s *Scheduler) CheckExpiredDocuments(ctx context.Context) *recovery.SweepReport {
	return s.recovery.ProcessExpiredRequests(ctx)
}

// CheckDeadlineWarnings warns pending signers of requests expiring within
// the configured window, and the initiator within its own window. Requests
// with no pending signers are skipped.
func (s *Scheduler) CheckDeadlineWarnings(ctx context.Context) *CheckReport {
	report := &CheckReport{}
	if !s.cfg.EnableDeadlineWarnings && !s.cfg.EnableExpiryWarnings {
		return report
	}
	now := s.now().UTC()
	window := time.Duration(max(s.cfg.DeadlineWarningHours, s.cfg.ExpiryWarningHours)) * time.Hour
	reqs, err := s.repo.ListExpiringBetween(ctx, now, now.Add(window))
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("listing expiring requests: %w", err))
		return report
	}
	for _, req := range reqs {
		report.Checked++
		signers, err := s.repo.ListSigners(ctx, req.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("request %s: %w", req.ID, err))
			continue
		}
		pending := request.PendingSigners(signers)
		if len(pending) == 0 {
			report.Skipped++
			continue
		}
		remaining := req.ExpiresAt.Sub(now)
		hoursLeft := int(math.Ceil(remaining.Hours()))
		if s.cfg.EnableDeadlineWarnings &&
			remaining <= time.Duration(s.cfg.DeadlineWarningHours)*time.Hour {
			for _, signer := range pending {
				s.outbox.Enqueue(&notify.Event{
					Recipient: signer.Email,
					Type:      notify.TypeDeadlineWarning,
					Title:     "Signing deadline approaching",
					Message: fmt.Sprintf("%q expires in about %d hour(s). Please sign soon.",
						req.Title, hoursLeft),
					Metadata: map[string]any{"request_id": req.ID, "hours_left": hoursLeft},
				})
				report.Notified++
			}
		}
		if s.cfg.EnableExpiryWarnings &&
			remaining <= time.Duration(s.cfg.ExpiryWarningHours)*time.Hour {
			s.outbox.Enqueue(&notify.Event{
				Recipient: req.InitiatorEmail,
				Type:      notify.TypeDeadlineWarning,
				Title:     "Request about to expire",
				Message: fmt.Sprintf("%q expires in about %d hour(s) with %d signer(s) outstanding.",
					req.Title, hoursLeft, len(pending)),
				Metadata: map[string]any{"request_id": req.ID, "hours_left": hoursLeft},
			})
			report.Notified++
		}
	}
	return report
}

// SendAutoReminders sends one reminder per pending signer for each
// configured lead time whose calendar day matches the request's expiry.
func (s *Scheduler) SendAutoReminders(ctx context.Context) *CheckReport {
	report := &CheckReport{}
	if !s.cfg.EnableAutoReminders {
		return report
	}
	log := logger.FromContext(ctx)
	now := s.now().UTC()
	for _, days := range s.cfg.AutoReminderDays {
		if days < 0 {
			continue
		}
		target := now.AddDate(0, 0, days)
		dayStart := time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, time.UTC)
		dayEnd := dayStart.AddDate(0, 0, 1)
		reqs, err := s.repo.ListExpiringBetween(ctx, dayStart, dayEnd)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Errorf("listing requests expiring in %d day(s): %w", days, err))
			continue
		}
		for _, req := range reqs {
			report.Checked++
			signers, err := s.repo.ListSigners(ctx, req.ID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("request %s: %w", req.ID, err))
				continue
			}
			pending := request.PendingSigners(signers)
			if len(pending) == 0 {
				report.Skipped++
				continue
			}
			for _, signer := range pending {
				s.outbox.Enqueue(&notify.Event{
					Recipient: signer.Email,
					Type:      notify.TypeReminder,
					Title:     "Signature reminder",
					Message: fmt.Sprintf("%q is waiting for your signature and expires in %d day(s).",
						req.Title, days),
					Metadata: map[string]any{"request_id": req.ID, "lead_days": days},
				})
				report.Notified++
			}
			log.Debug("Reminder sent", "request_id", req.ID, "lead_days", days,
				"recipients", len(pending))
		}
	}
	return report
}

// RunAllChecks executes the three checks concurrently. It never returns an
// error: all failures are collected into the report.
func (s *Scheduler) RunAllChecks(ctx context.Context) *RunReport {
	report := &RunReport{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report.Expired = s.CheckExpiredDocuments(gctx)
		return nil
	})
	g.Go(func() error {
		report.Deadlines = s.CheckDeadlineWarnings(gctx)
		return nil
	})
	g.Go(func() error {
		report.Reminders = s.SendAutoReminders(gctx)
		return nil
	})
	_ = g.Wait()
	if n := report.ErrorCount(); n > 0 {
		logger.FromContext(ctx).Warn("Scheduled checks finished with errors", "errors", n)
	}
	return report
}

// Start registers RunAllChecks on the given cron expression and launches the
// cron runner.
func (s *Scheduler) Start(ctx context.Context, cronSpec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(cronSpec, func() {
		s.RunAllChecks(ctx)
	}); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", cronSpec, err)
	}
	c.Start()
	s.cron = c
	logger.FromContext(ctx).Info("Scheduler started", "cron", cronSpec)
	return nil
}

// Stop halts the cron runner and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}
