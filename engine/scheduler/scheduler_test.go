package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/notify"
	"github.com/inkflow/inkflow/engine/recovery"
	"github.com/inkflow/inkflow/engine/request"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(repo *request.InMemoryRepo, cfg *Config) (*Scheduler, *notify.Outbox) {
	outbox := notify.NewOutbox(notify.LogNotifier{}, time.Second)
	machine := request.NewStateMachine(repo)
	recoverySvc := recovery.NewService(repo, machine, nil, outbox).
		WithClock(func() time.Time { return testNow })
	sched := New(repo, recoverySvc, outbox, cfg).
		WithClock(func() time.Time { return testNow })
	return sched, outbox
}

func seedExpiring(
	t *testing.T,
	repo *request.InMemoryRepo,
	expiresAt time.Time,
	statuses ...request.SignerStatus,
) *request.SigningRequest {
	t.Helper()
	req := &request.SigningRequest{
		ID:             core.MustNewID(),
		Title:          "Offer Letter",
		DocumentRef:    "docs/offer.pdf",
		Status:         request.StatusInProgress,
		DocumentStatus: request.DocumentStatusNone,
		SigningOrder:   request.OrderParallel,
		InitiatorEmail: "owner@example.com",
		ExpiresAt:      &expiresAt,
	}
	signers := make([]*request.Signer, 0, len(statuses))
	for i, status := range statuses {
		signers = append(signers, &request.Signer{
			RequestID: req.ID,
			Email:     fmt.Sprintf("signer%d@example.com", i+1),
			Position:  i + 1,
			Status:    status,
		})
	}
	require.NoError(t, repo.CreateRequest(context.Background(), req, signers))
	return req
}

func TestScheduler_CheckDeadlineWarnings(t *testing.T) {
	ctx := context.Background()

	t.Run("Should warn pending signers inside the window", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		seedExpiring(t, repo, testNow.Add(10*time.Hour),
			request.SignerPending, request.SignerSigned)
		sched, outbox := newTestScheduler(repo, DefaultConfig())

		report := sched.CheckDeadlineWarnings(ctx)
		assert.Equal(t, 1, report.Checked)
		// Pending signer warning plus the initiator's expiry warning.
		assert.Equal(t, 2, report.Notified)
		assert.Equal(t, 2, outbox.Pending())
	})
	t.Run("Should skip requests with nobody left to warn", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		seedExpiring(t, repo, testNow.Add(10*time.Hour),
			request.SignerSigned, request.SignerDeclined)
		sched, outbox := newTestScheduler(repo, DefaultConfig())

		report := sched.CheckDeadlineWarnings(ctx)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 0, outbox.Pending())
	})
	t.Run("Should not warn the initiator outside the expiry window", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		seedExpiring(t, repo, testNow.Add(40*time.Hour), request.SignerPending)
		sched, _ := newTestScheduler(repo, DefaultConfig())

		// 40h out: inside the 48h signer window, outside the 24h initiator one.
		report := sched.CheckDeadlineWarnings(ctx)
		assert.Equal(t, 1, report.Notified)
	})
	t.Run("Should do nothing when both warning kinds are disabled", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		seedExpiring(t, repo, testNow.Add(10*time.Hour), request.SignerPending)
		cfg := DefaultConfig()
		cfg.EnableDeadlineWarnings = false
		cfg.EnableExpiryWarnings = false
		sched, outbox := newTestScheduler(repo, cfg)

		report := sched.CheckDeadlineWarnings(ctx)
		assert.Equal(t, 0, report.Checked)
		assert.Equal(t, 0, outbox.Pending())
	})
}

func TestScheduler_SendAutoReminders(t *testing.T) {
	ctx := context.Background()

	t.Run("Should remind pending signers at each configured lead time", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		// Expires three calendar days out, matching the 3-day lead time.
		seedExpiring(t, repo, testNow.AddDate(0, 0, 3),
			request.SignerPending, request.SignerPending)
		sched, outbox := newTestScheduler(repo, DefaultConfig())

		report := sched.SendAutoReminders(ctx)
		assert.Equal(t, 1, report.Checked)
		assert.Equal(t, 2, report.Notified)
		assert.Equal(t, 2, outbox.Pending())
	})
	t.Run("Should ignore requests expiring on unconfigured days", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		seedExpiring(t, repo, testNow.AddDate(0, 0, 5), request.SignerPending)
		sched, outbox := newTestScheduler(repo, DefaultConfig())

		report := sched.SendAutoReminders(ctx)
		assert.Equal(t, 0, report.Notified)
		assert.Equal(t, 0, outbox.Pending())
	})
	t.Run("Should skip requests with no pending signers", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		seedExpiring(t, repo, testNow.AddDate(0, 0, 1), request.SignerSigned)
		sched, _ := newTestScheduler(repo, DefaultConfig())

		report := sched.SendAutoReminders(ctx)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 0, report.Notified)
	})
	t.Run("Should send nothing when reminders are disabled", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		seedExpiring(t, repo, testNow.AddDate(0, 0, 1), request.SignerPending)
		cfg := DefaultConfig()
		cfg.EnableAutoReminders = false
		sched, outbox := newTestScheduler(repo, cfg)

		sched.SendAutoReminders(ctx)
		assert.Equal(t, 0, outbox.Pending())
	})
}

func TestScheduler_RunAllChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("Should run every check and collect their reports", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		seedExpiring(t, repo, testNow.Add(-time.Hour), request.SignerPending)
		seedExpiring(t, repo, testNow.Add(10*time.Hour), request.SignerPending)
		sched, _ := newTestScheduler(repo, DefaultConfig())

		report := sched.RunAllChecks(ctx)
		require.NotNil(t, report.Expired)
		require.NotNil(t, report.Deadlines)
		require.NotNil(t, report.Reminders)
		assert.Equal(t, 1, report.Expired.Expired)
		assert.Equal(t, 0, report.ErrorCount())
	})
}
