package uc

import (
	"context"
	"fmt"

	"github.com/inkflow/inkflow/engine/completion"
	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/engine/stepup"
	"github.com/inkflow/inkflow/pkg/logger"
)

// StepUpScope is the verification scope presented to the MFA collaborator.
const StepUpScope = "signing"

// SignInput carries one signer's signature submission.
type SignInput struct {
	RequestID   core.ID                `json:"request_id"`
	Email       string                 `json:"email"`
	StepUpToken string                 `json:"step_up_token,omitempty"`
	Data        *request.SignatureData `json:"data"`
}

// SignOutput reports the applied signature and what the completion check did.
type SignOutput struct {
	Request *request.SigningRequest `json:"request"`
	Outcome *completion.Outcome     `json:"outcome"`
}

// Sign verifies the step-up precondition, applies the signature through the
// state machine, and runs the completion check. A render failure after a
// valid signature does not fail the sign: the signature is already durable
// and the request is parked for retry.
type Sign struct {
	repo         request.Repository
	machine      *request.StateMachine
	orchestrator *completion.Orchestrator
	verifier     stepup.Verifier
	input        *SignInput
}

func NewSign(
	repo request.Repository,
	machine *request.StateMachine,
	orchestrator *completion.Orchestrator,
	verifier stepup.Verifier,
	input *SignInput,
) *Sign {
	return &Sign{
		repo:         repo,
		machine:      machine,
		orchestrator: orchestrator,
		verifier:     verifier,
		input:        input,
	}
}

func (uc *Sign) Execute(ctx context.Context) (*SignOutput, error) {
	in := uc.input
	if in.Data == nil {
		return nil, core.NewError(
			fmt.Errorf("signature data is required"),
			core.ErrCodeInvalidArgument, nil,
		)
	}
	req, err := uc.repo.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.RequireTOTP {
		if err := uc.verifyStepUp(ctx, in); err != nil {
			return nil, err
		}
	}
	applied, err := uc.machine.ApplySignature(ctx, in.RequestID, in.Email, in.Data)
	if err != nil {
		return nil, err
	}
	outcome, err := uc.orchestrator.CheckAndRender(ctx, in.RequestID)
	if err != nil {
		if core.CodeOf(err) == core.ErrCodeRenderFailure {
			logger.FromContext(ctx).Warn("Signature recorded but render failed",
				"request_id", in.RequestID, "error", err)
			return &SignOutput{Request: applied, Outcome: &completion.Outcome{Completed: true}}, nil
		}
		return nil, err
	}
	return &SignOutput{Request: applied, Outcome: outcome}, nil
}

func (uc *Sign) verifyStepUp(ctx context.Context, in *SignInput) error {
	required, err := uc.verifier.IsStepUpRequired(ctx, in.Email, StepUpScope)
	if err != nil {
		return fmt.Errorf("checking step-up requirement: %w", err)
	}
	if !required {
		return nil
	}
	ok, err := uc.verifier.VerifyStepUp(ctx, in.Email, in.StepUpToken, StepUpScope)
	if err != nil {
		return fmt.Errorf("verifying step-up token: %w", err)
	}
	if !ok {
		return core.NewError(
			request.ErrStepUpRequired,
			core.ErrCodeInvalidArgument,
			map[string]any{"request_id": in.RequestID, "email": in.Email},
		)
	}
	return nil
}
