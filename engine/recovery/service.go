package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkflow/inkflow/engine/completion"
	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/notify"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/pkg/logger"
)

// Service remediates abnormal conditions without losing signer work. Every
// action is idempotent with respect to already-terminal requests: reapplying
// one is a no-op success, not an error.
type Service struct {
	repo         request.Repository
	machine      *request.StateMachine
	orchestrator *completion.Orchestrator
	outbox       *notify.Outbox
	now          func() time.Time
}

func NewService(
	repo request.Repository,
	machine *request.StateMachine,
	orchestrator *completion.Orchestrator,
	outbox *notify.Outbox,
) *Service {
	return &Service{
		repo:         repo,
		machine:      machine,
		orchestrator: orchestrator,
		outbox:       outbox,
		now:          time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HandleDecline applies the decline through the state machine and notifies
// the initiator. Remaining signers of a continuing parallel request are
// deliberately not notified: they are unaffected.
func (s *Service) HandleDecline(
	ctx context.Context,
	id core.ID,
	email string,
	reason string,
) (*request.SigningRequest, error) {
	req, err := s.machine.ApplyDecline(ctx, id, email, reason)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("%s declined to sign %q.", email, req.Title)
	if req.Status == request.StatusDeclined {
		msg += " The request has been halted."
	}
	s.outbox.Enqueue(&notify.Event{
		Recipient: req.InitiatorEmail,
		Type:      notify.TypeRequestDeclined,
		Title:     "Signer declined",
		Message:   msg,
		Metadata:  map[string]any{"request_id": id, "declined_by": email, "reason": reason},
	})
	return req, nil
}

// HandleExpired reclassifies a request whose deadline passed. Partial work is
// preserved: any captured signature turns the request partially_expired
// instead of plain expired. Completed and otherwise terminal requests no-op.
func (s *Service) HandleExpired(ctx context.Context, id core.ID) (request.Status, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return "", err
	}
	if req.Status.IsTerminal() {
		return req.Status, nil
	}
	signers, err := s.repo.ListSigners(ctx, id)
	if err != nil {
		return "", err
	}
	signed := request.SignedCount(signers)
	target := request.StatusExpired
	if signed > 0 {
		target = request.StatusPartiallyExpired
	}
	err = s.repo.UpdateRequestStatus(ctx, id, target,
		request.StatusInitiated, request.StatusInProgress)
	if err != nil {
		if errors.Is(err, request.ErrConflict) {
			// Someone else already moved it; report what they did.
			current, gerr := s.repo.GetRequest(ctx, id)
			if gerr != nil {
				return "", gerr
			}
			return current.Status, nil
		}
		return "", err
	}
	events := []*notify.Event{{
		Recipient: req.InitiatorEmail,
		Type:      expiredNotifyType(target),
		Title:     "Request expired",
		Message: fmt.Sprintf("%q expired with %d of %d signatures collected.",
			req.Title, signed, len(signers)),
		Metadata: map[string]any{"request_id": id, "signed": signed, "total": len(signers)},
	}}
	for _, signer := range request.PendingSigners(signers) {
		events = append(events, &notify.Event{
			Recipient: signer.Email,
			Type:      expiredNotifyType(target),
			Title:     "Request expired",
			Message:   fmt.Sprintf("%q expired before you signed.", req.Title),
			Metadata:  map[string]any{"request_id": id},
		})
	}
	s.outbox.Enqueue(events...)
	logger.FromContext(ctx).Info("Request expired",
		"request_id", id, "status", target, "signed", signed, "total", len(signers))
	return target, nil
}

// RetryPDFGeneration re-runs document assembly. It is legal only from
// pdf_generation_failed or completed (re-rendering a finished document is
// allowed, e.g. after a renderer fix). A renewed failure is recorded on the
// request rather than raised: retries stay caller-driven.
func (s *Service) RetryPDFGeneration(ctx context.Context, id core.ID) (*completion.Outcome, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != request.StatusRenderFailed && req.Status != request.StatusCompleted {
		return nil, core.NewError(
			fmt.Errorf("%w: retry is only legal from %s or %s, not %s",
				request.ErrInvalidTransition,
				request.StatusRenderFailed, request.StatusCompleted, req.Status),
			core.ErrCodeInvalidTransition,
			map[string]any{"request_id": id, "status": req.Status},
		)
	}
	var outcome *completion.Outcome
	if req.Status == request.StatusCompleted {
		outcome, err = s.orchestrator.Rerender(ctx, id)
	} else {
		if err := s.repo.UpdateRequestStatus(ctx, id, request.StatusInProgress,
			request.StatusRenderFailed); err != nil {
			return nil, err
		}
		outcome, err = s.orchestrator.CheckAndRender(ctx, id)
	}
	if err != nil {
		if core.CodeOf(err) == core.ErrCodeRenderFailure {
			// Recorded on the request as pdf_generation_failed; not raised.
			logger.FromContext(ctx).Warn("Retry render failed again",
				"request_id", id, "error", err)
			return &completion.Outcome{Completed: true}, nil
		}
		return nil, err
	}
	return outcome, nil
}

// ResetSigner returns a signer to pending, clearing all captured data, so
// they can sign again without a new request. The caller authorizes; this
// call only records who reset. Resetting an untouched signer, or a signer of
// a completed or cancelled request, is a no-op.
func (s *Service) ResetSigner(ctx context.Context, id core.ID, email, adminIdentity string) error {
	if adminIdentity == "" {
		return core.NewError(
			errors.New("admin identity is required"),
			core.ErrCodeInvalidArgument, nil,
		)
	}
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == request.StatusCompleted || req.Status == request.StatusCancelled {
		return nil
	}
	signer, err := s.repo.GetSigner(ctx, id, email)
	if err != nil {
		return err
	}
	if signer.Status == request.SignerPending && signer.ViewedAt == nil {
		return nil
	}
	signer.Status = request.SignerPending
	signer.ViewedAt = nil
	signer.SignedAt = nil
	signer.DeclinedAt = nil
	signer.DeclineReason = nil
	signer.SignatureData = nil
	signer.LastResetBy = &adminIdentity
	if err := s.repo.SaveSigner(ctx, signer); err != nil {
		return err
	}
	if err := s.repo.UpdateRequestStatus(ctx, id, request.StatusInProgress,
		request.StatusInitiated, request.StatusInProgress, request.StatusDeclined,
		request.StatusExpired, request.StatusPartiallyExpired,
		request.StatusRenderFailed); err != nil && !errors.Is(err, request.ErrConflict) {
		return err
	}
	s.outbox.Enqueue(&notify.Event{
		Recipient: email,
		Type:      notify.TypeSignerReset,
		Title:     "Signature reset",
		Message:   fmt.Sprintf("Your signature on %q was reset. Please sign again.", req.Title),
		Metadata:  map[string]any{"request_id": id, "reset_by": adminIdentity},
	})
	logger.FromContext(ctx).Info("Signer reset",
		"request_id", id, "email", email, "reset_by", adminIdentity)
	return nil
}

// ExtendDeadline moves the request deadline forward and tells every signer
// who can still act. The new expiry must parse and lie strictly in the
// future. Terminal requests no-op.
func (s *Service) ExtendDeadline(ctx context.Context, id core.ID, newExpiry, adminIdentity string) error {
	if adminIdentity == "" {
		return core.NewError(
			errors.New("admin identity is required"),
			core.ErrCodeInvalidArgument, nil,
		)
	}
	expiresAt, err := time.Parse(time.RFC3339, newExpiry)
	if err != nil {
		return core.NewError(
			fmt.Errorf("unparseable expiry %q: %w", newExpiry, err),
			core.ErrCodeInvalidArgument, nil,
		)
	}
	if !expiresAt.After(s.now()) {
		return core.NewError(
			fmt.Errorf("expiry %s is not in the future", expiresAt.Format(time.RFC3339)),
			core.ErrCodeInvalidArgument, nil,
		)
	}
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}
	if err := s.repo.SetExpiry(ctx, id, expiresAt.UTC()); err != nil {
		return err
	}
	signers, err := s.repo.ListSigners(ctx, id)
	if err != nil {
		return err
	}
	var events []*notify.Event
	for _, signer := range signers {
		if signer.Status.IsTerminal() {
			continue
		}
		events = append(events, &notify.Event{
			Recipient: signer.Email,
			Type:      notify.TypeDeadlineExtended,
			Title:     "Deadline extended",
			Message: fmt.Sprintf("The deadline for %q was extended to %s.",
				req.Title, expiresAt.Format("Jan 2, 2006")),
			Metadata: map[string]any{"request_id": id, "expires_at": expiresAt},
		})
	}
	s.outbox.Enqueue(events...)
	return nil
}

// SkipSigner marks a signer skipped so a sequential chain blocked by a
// decline can continue at the initiator's discretion. Already-skipped
// signers no-op; a signed signer cannot be skipped. On a terminal request the
// only legal skip is the one that declined it; anything else is a no-op, so a
// skip can never pull an expired or cancelled request back to life.
func (s *Service) SkipSigner(
	ctx context.Context,
	id core.ID,
	email, adminIdentity string,
) (*completion.Outcome, error) {
	if adminIdentity == "" {
		return nil, core.NewError(
			errors.New("admin identity is required"),
			core.ErrCodeInvalidArgument, nil,
		)
	}
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		reopens := req.Status == request.StatusDeclined &&
			req.DeclinedBy != nil && *req.DeclinedBy == email
		if !reopens {
			return &completion.Outcome{}, nil
		}
	}
	signer, err := s.repo.GetSigner(ctx, id, email)
	if err != nil {
		return nil, err
	}
	if signer.Status == request.SignerSkipped {
		return &completion.Outcome{}, nil
	}
	if signer.Status == request.SignerSigned {
		return nil, core.NewError(
			fmt.Errorf("%w: cannot skip a signer who already signed", request.ErrInvalidTransition),
			core.ErrCodeInvalidTransition,
			map[string]any{"request_id": id, "email": email},
		)
	}
	signer.Status = request.SignerSkipped
	signer.LastResetBy = &adminIdentity
	if err := s.repo.SaveSigner(ctx, signer); err != nil {
		return nil, err
	}
	if req.Status == request.StatusDeclined && req.DeclinedBy != nil && *req.DeclinedBy == email {
		if err := s.repo.UpdateRequestStatus(ctx, id, request.StatusInProgress,
			request.StatusDeclined); err != nil && !errors.Is(err, request.ErrConflict) {
			return nil, err
		}
	}
	outcome, err := s.orchestrator.CheckAndRender(ctx, id)
	if err != nil && core.CodeOf(err) == core.ErrCodeRenderFailure {
		return &completion.Outcome{Completed: true}, nil
	}
	return outcome, err
}

// CancelRequest is the logical delete. Cancelling a terminal request is a
// no-op success.
func (s *Service) CancelRequest(ctx context.Context, id core.ID, adminIdentity string) error {
	if adminIdentity == "" {
		return core.NewError(
			errors.New("admin identity is required"),
			core.ErrCodeInvalidArgument, nil,
		)
	}
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}
	if err := s.repo.UpdateRequestStatus(ctx, id, request.StatusCancelled,
		request.StatusInitiated, request.StatusInProgress,
		request.StatusRenderFailed); err != nil && !errors.Is(err, request.ErrConflict) {
		return err
	}
	signers, err := s.repo.ListSigners(ctx, id)
	if err != nil {
		return err
	}
	var events []*notify.Event
	for _, signer := range request.PendingSigners(signers) {
		events = append(events, &notify.Event{
			Recipient: signer.Email,
			Type:      notify.TypeRequestCancelled,
			Title:     "Request cancelled",
			Message:   fmt.Sprintf("%q was cancelled by %s.", req.Title, adminIdentity),
			Metadata:  map[string]any{"request_id": id},
		})
	}
	s.outbox.Enqueue(events...)
	return nil
}

// SweepReport aggregates a batch remediation pass.
type SweepReport struct {
	Processed        int     `json:"processed"`
	Expired          int     `json:"expired"`
	PartiallyExpired int     `json:"partially_expired"`
	Errors           []error `json:"-"`
}

// ProcessExpiredRequests sweeps every open request past its deadline.
// Per-item failures are collected, never abort the batch.
func (s *Service) ProcessExpiredRequests(ctx context.Context) *SweepReport {
	report := &SweepReport{}
	expired, err := s.repo.ListExpired(ctx, s.now().UTC())
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("listing expired requests: %w", err))
		return report
	}
	for _, req := range expired {
		status, err := s.HandleExpired(ctx, req.ID)
		report.Processed++
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Errorf("request %s: %w", req.ID, err))
			continue
		}
		switch status {
		case request.StatusExpired:
			report.Expired++
		case request.StatusPartiallyExpired:
			report.PartiallyExpired++
		}
	}
	return report
}

func expiredNotifyType(status request.Status) notify.Type {
	if status == request.StatusPartiallyExpired {
		return notify.TypeRequestPartiallyExpired
	}
	return notify.TypeRequestExpired
}
