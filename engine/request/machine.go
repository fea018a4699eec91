package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/pkg/logger"
)

// SignDecision is the outcome of an ordering-policy check.
type SignDecision struct {
	CanSign bool         `json:"can_sign"`
	Policy  SigningOrder `json:"policy"`
	Reason  string       `json:"reason,omitempty"`
	// Blocking lists the emails of lower-order signers that must sign first.
	Blocking []string `json:"blocking,omitempty"`
}

// StateMachine is the single source of truth for legal signer and request
// transitions. It holds no state of its own beyond its dependencies.
type StateMachine struct {
	repo Repository
	now  func() time.Time
}

func NewStateMachine(repo Repository) *StateMachine {
	return &StateMachine{repo: repo, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (m *StateMachine) WithClock(now func() time.Time) *StateMachine {
	m.now = now
	return m
}

// RecordView stamps the signer's first view. Repeat calls are no-ops.
func (m *StateMachine) RecordView(ctx context.Context, id core.ID, email string) error {
	signer, err := m.repo.GetSigner(ctx, id, email)
	if err != nil {
		return err
	}
	if signer.ViewedAt != nil {
		return nil
	}
	viewedAt := m.now().UTC()
	signer.ViewedAt = &viewedAt
	if signer.Status == SignerPending {
		signer.Status = SignerViewed
	}
	return m.repo.SaveSigner(ctx, signer)
}

// ValidateCanSign evaluates the ordering policy for the given signer. An
// undetermined policy is treated as parallel: blocking a legitimate signer on
// unreadable settings is worse than losing strict ordering.
func (m *StateMachine) ValidateCanSign(ctx context.Context, id core.ID, email string) (*SignDecision, error) {
	req, err := m.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	signers, err := m.repo.ListSigners(ctx, id)
	if err != nil {
		return nil, err
	}
	signer := findSigner(signers, email)
	if signer == nil {
		return nil, core.NewError(ErrSignerNotFound, core.ErrCodeNotFound, map[string]any{
			"request_id": id,
			"email":      email,
		})
	}
	if req.Status.IsTerminal() {
		return &SignDecision{
			CanSign: false,
			Policy:  req.SigningOrder,
			Reason:  fmt.Sprintf("request is %s", req.Status),
		}, nil
	}
	if !signer.Status.CanSign() {
		return &SignDecision{
			CanSign: false,
			Policy:  req.SigningOrder,
			Reason:  fmt.Sprintf("signer is already %s", signer.Status),
		}, nil
	}
	policy := ParseSigningOrder(string(req.SigningOrder))
	if policy == OrderUndetermined {
		logger.FromContext(ctx).Warn("Signing order policy undetermined; defaulting to parallel",
			"request_id", id)
		return &SignDecision{CanSign: true, Policy: OrderUndetermined}, nil
	}
	if policy == OrderParallel {
		return &SignDecision{CanSign: true, Policy: OrderParallel}, nil
	}
	var blocking []string
	for _, s := range signers {
		if s.Position < signer.Position && s.Status != SignerSigned && s.Status != SignerSkipped {
			blocking = append(blocking, s.Email)
		}
	}
	if len(blocking) > 0 {
		return &SignDecision{
			CanSign:  false,
			Policy:   OrderSequential,
			Reason:   fmt.Sprintf("%d earlier signer(s) have not signed yet", len(blocking)),
			Blocking: blocking,
		}, nil
	}
	return &SignDecision{CanSign: true, Policy: OrderSequential}, nil
}

// ApplySignature records the signer's signature. It fails with
// InvalidTransition when the signer cannot act and with OrderViolation when
// the sequential policy forbids it. The caller runs the completion check.
func (m *StateMachine) ApplySignature(
	ctx context.Context,
	id core.ID,
	email string,
	data *SignatureData,
) (*SigningRequest, error) {
	req, err := m.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() || req.Status == StatusRenderFailed {
		return nil, core.NewError(
			fmt.Errorf("%w: cannot sign a %s request", ErrInvalidTransition, req.Status),
			core.ErrCodeInvalidTransition,
			map[string]any{"request_id": id, "status": req.Status},
		)
	}
	signer, err := m.repo.GetSigner(ctx, id, email)
	if err != nil {
		return nil, err
	}
	if !signer.Status.CanSign() {
		return nil, core.NewError(
			fmt.Errorf("%w: signer is already %s", ErrInvalidTransition, signer.Status),
			core.ErrCodeInvalidTransition,
			map[string]any{"request_id": id, "email": email, "signer_status": signer.Status},
		)
	}
	decision, err := m.ValidateCanSign(ctx, id, email)
	if err != nil {
		return nil, err
	}
	if !decision.CanSign {
		return nil, core.NewError(
			fmt.Errorf("%w: %s", ErrOrderViolation, decision.Reason),
			core.ErrCodeOrderViolation,
			map[string]any{"request_id": id, "email": email, "blocking": decision.Blocking},
		)
	}
	signedAt := m.now().UTC()
	signer.Status = SignerSigned
	signer.SignedAt = &signedAt
	signer.SignatureData = data
	if err := m.repo.SaveSigner(ctx, signer); err != nil {
		return nil, err
	}
	if req.Status == StatusInitiated {
		// Benign if another signer already moved the request forward.
		if err := m.repo.UpdateRequestStatus(ctx, id, StatusInProgress, StatusInitiated); err != nil &&
			!isConflict(err) {
			return nil, err
		}
		req.Status = StatusInProgress
	}
	logger.FromContext(ctx).Info("Signature applied",
		"request_id", id, "email", email, "policy", decision.Policy)
	return req, nil
}

// ApplyDecline records the signer's decline. Under the sequential policy a
// decline always halts the request; under parallel the request continues
// while other signers remain eligible.
func (m *StateMachine) ApplyDecline(
	ctx context.Context,
	id core.ID,
	email string,
	reason string,
) (*SigningRequest, error) {
	req, err := m.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, core.NewError(
			fmt.Errorf("%w: cannot decline a %s request", ErrInvalidTransition, req.Status),
			core.ErrCodeInvalidTransition,
			map[string]any{"request_id": id, "status": req.Status},
		)
	}
	signer, err := m.repo.GetSigner(ctx, id, email)
	if err != nil {
		return nil, err
	}
	if signer.Status.IsTerminal() {
		return nil, core.NewError(
			fmt.Errorf("%w: signer is already %s", ErrInvalidTransition, signer.Status),
			core.ErrCodeInvalidTransition,
			map[string]any{"request_id": id, "email": email, "signer_status": signer.Status},
		)
	}
	declinedAt := m.now().UTC()
	signer.Status = SignerDeclined
	signer.DeclinedAt = &declinedAt
	signer.DeclineReason = &reason
	if err := m.repo.SaveSigner(ctx, signer); err != nil {
		return nil, err
	}
	policy := ParseSigningOrder(string(req.SigningOrder))
	if policy == OrderSequential {
		// A decline breaks a strictly ordered chain immediately.
		if err := m.repo.SetDeclined(ctx, id, email, reason); err != nil {
			return nil, err
		}
		req.Status = StatusDeclined
		req.DeclinedBy = &email
		req.DeclineReason = &reason
		return req, nil
	}
	signers, err := m.repo.ListSigners(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(PendingSigners(signers)) == 0 && !CompletionSatisfied(signers, req.RequireAllSigners) {
		// Nobody left who could ever satisfy the predicate.
		if err := m.repo.SetDeclined(ctx, id, email, reason); err != nil {
			return nil, err
		}
		req.Status = StatusDeclined
		req.DeclinedBy = &email
		req.DeclineReason = &reason
		return req, nil
	}
	if req.Status == StatusInitiated {
		if err := m.repo.UpdateRequestStatus(ctx, id, StatusInProgress, StatusInitiated); err != nil &&
			!isConflict(err) {
			return nil, err
		}
		req.Status = StatusInProgress
	}
	logger.FromContext(ctx).Info("Signer declined; request continues",
		"request_id", id, "email", email)
	return req, nil
}

func findSigner(signers []*Signer, email string) *Signer {
	for _, s := range signers {
		if s.Email == email {
			return s
		}
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
