package uc

import (
	"context"
	"errors"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/recovery"
	"github.com/inkflow/inkflow/engine/request"
)

// DeclineInput carries one signer's refusal.
type DeclineInput struct {
	RequestID core.ID `json:"request_id"`
	Email     string  `json:"email"`
	Reason    string  `json:"reason"`
}

// Decline routes the refusal through the recovery service, which applies the
// ordering-policy consequences and notifies the initiator.
type Decline struct {
	recovery *recovery.Service
	input    *DeclineInput
}

func NewDecline(recoverySvc *recovery.Service, input *DeclineInput) *Decline {
	return &Decline{recovery: recoverySvc, input: input}
}

func (uc *Decline) Execute(ctx context.Context) (*request.SigningRequest, error) {
	if uc.input.Reason == "" {
		return nil, core.NewError(
			errors.New("a decline reason is required"),
			core.ErrCodeInvalidArgument, nil,
		)
	}
	return uc.recovery.HandleDecline(ctx, uc.input.RequestID, uc.input.Email, uc.input.Reason)
}
